package providers

import (
	"fmt"

	"quotekeeper/config"
	"quotekeeper/ohlcv"

	"github.com/sirupsen/logrus"
)

// New builds the configured provider wrapped in WithRetry.
func New(cfg config.Provider, log logrus.FieldLogger) (ohlcv.Provider, error) {
	var p ohlcv.Provider
	switch cfg.Name {
	case "yahoo":
		p = NewYahoo()
	case "polygon":
		p = NewPolygon(cfg.APIKey)
	case "polygon-flatfiles":
		ff, err := NewPolygonFlatFiles(
			cfg.FlatFiles.Endpoint,
			cfg.FlatFiles.Bucket,
			cfg.FlatFiles.AccessKeyID,
			cfg.FlatFiles.SecretAccessKey,
			log,
		)
		if err != nil {
			return nil, err
		}
		p = ff
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}

	return WithRetry(p, RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval.Std(),
		MaxInterval:     cfg.Retry.MaxInterval.Std(),
		Timeout:         cfg.Timeout.Std(),
	}, log), nil
}

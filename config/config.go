package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"quotekeeper/ohlcv"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when neither --config nor QUOTEKEEPER_CONFIG names a file.
const DefaultPath = "config.yaml"

// Config is everything a run needs. It is loaded once at startup and passed by value into constructors.
type Config struct {
	Database         Database              `yaml:"database"`
	Provider         Provider              `yaml:"provider"`
	Tickers          []string              `yaml:"tickers"`
	Intervals        []string              `yaml:"intervals"`
	Policies         map[string]PolicySpec `yaml:"policies"`
	Validation       Validation            `yaml:"validation"`
	Intraday         Intraday              `yaml:"intraday"`
	ExchangeTimezone string                `yaml:"exchange_timezone"`
	Schedule         Schedule              `yaml:"schedule"`
	Logging          Logging               `yaml:"logging"`
	Progress         bool                  `yaml:"progress"`
}

// Database selects and addresses the storage backend.
type Database struct {
	Driver     string `yaml:"driver"`
	DSN        string `yaml:"dsn"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Name       string `yaml:"name"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Provider selects the quote source and how it is called.
type Provider struct {
	Name      string    `yaml:"name"`
	APIKey    string    `yaml:"api_key"`
	FlatFiles FlatFiles `yaml:"flat_files"`
	Timeout   Duration  `yaml:"timeout"`
	Retry     Retry     `yaml:"retry"`
}

// FlatFiles holds the S3 credentials for Polygon's bulk minute-aggregate files.
type FlatFiles struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type Retry struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
}

// PolicySpec is the YAML form of ohlcv.Policy. Omitted fields keep the interval's default; an explicit zero is kept,
// so `retention: 0s` lifts the clamp and `overlap_margin: 0s` disables the re-fetch.
type PolicySpec struct {
	BackfillSpan  *Duration `yaml:"backfill_span"`
	OverlapMargin *Duration `yaml:"overlap_margin"`
	Retention     *Duration `yaml:"retention"`
}

type Validation struct {
	MissingVolume  string   `yaml:"missing_volume"`
	StrictOHLC     bool     `yaml:"strict_ohlc"`
	MaxRejectRatio *float64 `yaml:"max_reject_ratio"`
}

// Intraday controls how long intraday rows are kept by the prune job.
type Intraday struct {
	KeepTradingDays int `yaml:"keep_trading_days"`
}

type Schedule struct {
	UpdateCron string `yaml:"update_cron"`
	PruneCron  string `yaml:"prune_cron"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a time.Duration that unmarshals from strings such as "90s", "30d" or "6mo".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

var durationRe = regexp.MustCompile(`^(\d+)(d|w|mo|y)$`)

// ParseDuration accepts Go duration syntax plus whole days ("30d"), weeks ("2w"), months ("6mo", 30 days each) and
// years ("1y", 365 days).
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if m := durationRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		day := 24 * time.Hour
		switch m[2] {
		case "d":
			return time.Duration(n) * day, nil
		case "w":
			return time.Duration(n) * 7 * day, nil
		case "mo":
			return time.Duration(n) * 30 * day, nil
		default:
			return time.Duration(n) * 365 * day, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// Load reads config from a YAML file, then applies environment variable overrides and defaults. A missing file is
// not an error, so a deployment can be configured from the environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	cfg.Tickers, err = NormalizeTickers(cfg.Tickers)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the config file to load: the explicit flag value, else QUOTEKEEPER_CONFIG, else DefaultPath.
func Path(flag string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv("QUOTEKEEPER_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DB_PASS"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("QUOTEKEEPER_PROVIDER"); v != "" {
		cfg.Provider.Name = v
	}
	if v := os.Getenv("POLYGON_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("POLYGON_FLAT_FILES_ACCESS_KEY_ID"); v != "" {
		cfg.Provider.FlatFiles.AccessKeyID = v
	}
	if v := os.Getenv("POLYGON_FLAT_FILES_SECRET_ACCESS_KEY"); v != "" {
		cfg.Provider.FlatFiles.SecretAccessKey = v
	}
	if v := os.Getenv("TICKERS"); v != "" {
		cfg.Tickers = strings.Split(v, ",")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
		if cfg.Database.SQLitePath != "" && cfg.Database.DSN == "" && cfg.Database.Host == "" {
			cfg.Database.Driver = "sqlite"
		}
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Name == "" {
		cfg.Database.Name = "postgres"
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "data/quotekeeper.db"
	}

	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "yahoo"
	}
	if cfg.Provider.FlatFiles.Endpoint == "" {
		cfg.Provider.FlatFiles.Endpoint = "files.polygon.io"
	}
	if cfg.Provider.FlatFiles.Bucket == "" {
		cfg.Provider.FlatFiles.Bucket = "flatfiles"
	}
	if cfg.Provider.Timeout == 0 {
		cfg.Provider.Timeout = Duration(30 * time.Second)
	}
	if cfg.Provider.Retry.MaxAttempts == 0 {
		cfg.Provider.Retry.MaxAttempts = 3
	}
	if cfg.Provider.Retry.InitialInterval == 0 {
		cfg.Provider.Retry.InitialInterval = Duration(time.Second)
	}
	if cfg.Provider.Retry.MaxInterval == 0 {
		cfg.Provider.Retry.MaxInterval = Duration(30 * time.Second)
	}

	if len(cfg.Intervals) == 0 {
		cfg.Intervals = []string{string(ohlcv.Daily), string(ohlcv.OneMinute)}
	}
	if cfg.Validation.MissingVolume == "" {
		cfg.Validation.MissingVolume = "zero"
	}
	if cfg.Validation.MaxRejectRatio == nil {
		r := 0.5
		cfg.Validation.MaxRejectRatio = &r
	}
	if cfg.Intraday.KeepTradingDays == 0 {
		cfg.Intraday.KeepTradingDays = 2
	}
	if cfg.ExchangeTimezone == "" {
		cfg.ExchangeTimezone = "America/New_York"
	}
	if cfg.Schedule.UpdateCron == "" {
		cfg.Schedule.UpdateCron = "*/15 * * * 1-5"
	}
	if cfg.Schedule.PruneCron == "" {
		cfg.Schedule.PruneCron = "30 5 * * *"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

var tickerRe = regexp.MustCompile(`^[A-Z0-9^][A-Z0-9.\-^=]{0,14}$`)

// NormalizeTickers trims and upper-cases each symbol and drops repeats, keeping first-seen order. An empty or
// malformed symbol is an error.
func NormalizeTickers(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, t := range in {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			return nil, errors.New("tickers: empty symbol in list")
		}
		if !tickerRe.MatchString(t) {
			return nil, fmt.Errorf("tickers: malformed symbol %q", t)
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

// Validate checks that the configuration is usable. It returns the first problem found.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}

	switch c.Provider.Name {
	case "yahoo":
	case "polygon":
		if c.Provider.APIKey == "" {
			return errors.New("provider.api_key (POLYGON_API_KEY) is required for the polygon provider")
		}
	case "polygon-flatfiles":
		if c.Provider.FlatFiles.AccessKeyID == "" || c.Provider.FlatFiles.SecretAccessKey == "" {
			return errors.New("provider.flat_files credentials are required for the polygon-flatfiles provider")
		}
	default:
		return fmt.Errorf("provider.name must be yahoo, polygon or polygon-flatfiles, got %q", c.Provider.Name)
	}
	if c.Provider.Retry.MaxAttempts < 1 {
		return errors.New("provider.retry.max_attempts must be at least 1")
	}

	if _, err := c.ParsedIntervals(); err != nil {
		return err
	}
	for name, p := range c.Policies {
		if _, err := ohlcv.ParseInterval(name); err != nil {
			return fmt.Errorf("policies: %w", err)
		}
		if p.BackfillSpan != nil && *p.BackfillSpan <= 0 {
			return fmt.Errorf("policies.%s.backfill_span must be positive", name)
		}
		if (p.OverlapMargin != nil && *p.OverlapMargin < 0) || (p.Retention != nil && *p.Retention < 0) {
			return fmt.Errorf("policies.%s: durations must not be negative", name)
		}
	}

	if _, err := ohlcv.ParseMissingVolume(c.Validation.MissingVolume); err != nil {
		return fmt.Errorf("validation.missing_volume: %w", err)
	}
	if r := *c.Validation.MaxRejectRatio; r < 0 || r > 1 {
		return fmt.Errorf("validation.max_reject_ratio must be within [0, 1], got %v", r)
	}
	if c.Intraday.KeepTradingDays < 1 {
		return errors.New("intraday.keep_trading_days must be at least 1")
	}
	if _, err := time.LoadLocation(c.ExchangeTimezone); err != nil {
		return fmt.Errorf("exchange_timezone: %w", err)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// RequireTickers is checked by the commands that iterate the configured ticker list.
func (c *Config) RequireTickers() error {
	if len(c.Tickers) == 0 {
		return errors.New("tickers: at least one symbol is required (tickers in config or TICKERS env)")
	}
	return nil
}

// ParsedIntervals returns the configured intervals in configured order, without repeats.
func (c *Config) ParsedIntervals() ([]ohlcv.Interval, error) {
	out := make([]ohlcv.Interval, 0, len(c.Intervals))
	seen := make(map[ohlcv.Interval]bool)
	for _, s := range c.Intervals {
		i, err := ohlcv.ParseInterval(s)
		if err != nil {
			return nil, fmt.Errorf("intervals: %w", err)
		}
		if seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, i)
	}
	return out, nil
}

// PlannerPolicies overlays the configured policies on ohlcv.DefaultPolicies.
func (c *Config) PlannerPolicies() map[ohlcv.Interval]ohlcv.Policy {
	out := make(map[ohlcv.Interval]ohlcv.Policy, len(ohlcv.DefaultPolicies))
	for i, p := range ohlcv.DefaultPolicies {
		out[i] = p
	}
	for name, spec := range c.Policies {
		i, err := ohlcv.ParseInterval(name)
		if err != nil {
			continue
		}
		p := out[i]
		if spec.BackfillSpan != nil {
			p.BackfillSpan = spec.BackfillSpan.Std()
		}
		if spec.OverlapMargin != nil {
			p.OverlapMargin = spec.OverlapMargin.Std()
		}
		if spec.Retention != nil {
			p.Retention = spec.Retention.Std()
		}
		out[i] = p
	}
	return out
}

// Location is the exchange time zone. Validate has already checked that it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ExchangeTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) ValidationConfig() ohlcv.ValidationConfig {
	mv, _ := ohlcv.ParseMissingVolume(c.Validation.MissingVolume)
	return ohlcv.ValidationConfig{
		MissingVolume:  mv,
		StrictOHLC:     c.Validation.StrictOHLC,
		MaxRejectRatio: *c.Validation.MaxRejectRatio,
		Location:       c.Location(),
	}
}

// PostgresDSN returns the explicit DSN, or one built from the discrete host/port/name/user/password settings.
func (c *Config) PostgresDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Database.User, c.Database.Password),
		Host:   fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port),
		Path:   "/" + c.Database.Name,
	}
	return u.String()
}

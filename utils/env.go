package utils

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// LoadEnvFile loads variables from `./.env`, or from the file named by ENV_FILE, into the process environment.
// Variables already set in the environment win. A missing default `.env` is not an error, and NO_DOTENV=1 skips
// loading entirely.
func LoadEnvFile() error {
	if os.Getenv("NO_DOTENV") == "1" {
		return nil
	}

	if f := os.Getenv("ENV_FILE"); f != "" {
		return godotenv.Load(f)
	}

	err := godotenv.Load(".env")
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

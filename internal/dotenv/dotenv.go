// Package dotenv seeds the process environment from dotenv files before the
// typed config is parsed.
package dotenv

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// EnvFileVar names an extra dotenv file loaded after ./.env.
const EnvFileVar = "PROCTOR_ENV_FILE"

// LoadFile loads KEY=VALUE pairs from each path in order. Variables already
// set, by the environment or an earlier file, are never overwritten. Empty
// paths and missing files are skipped.
func LoadFile(paths ...string) error {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat env file %q: %w", path, err)
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %q: %w", path, err)
		}
	}
	return nil
}

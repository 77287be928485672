package credentials

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Env resolves secrets from process environment variables. A provider
// named "openai" reads OPENAI_API_KEY; unrecognized providers read
// <PROVIDER>_API_KEY with the name uppercased.
type Env struct{}

// Resolve looks the provider up in the environment.
func (Env) Resolve(_ context.Context, provider string) (string, error) {
	for _, name := range envNames(provider) {
		if secret := os.Getenv(name); secret != "" {
			return secret, nil
		}
	}
	return "", ErrNotFound
}

// LoadDotEnv loads the given dotenv files into the process environment,
// skipping files that do not exist and never overwriting variables that
// are already set. With no arguments it loads ".env".
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("credentials: stat %s: %w", path, err)
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("credentials: load %s: %w", path, err)
		}
	}
	return nil
}

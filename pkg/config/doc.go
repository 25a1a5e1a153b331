// Package config loads typed configuration from environment variables.
//
// It wraps github.com/joho/godotenv and github.com/caarlos0/env/v11:
//
//   - Values from a `.env` file in the working directory are loaded when the
//     file exists. Extra files passed with WithEnvFiles must exist.
//   - Variables already set in the process environment are never overwritten
//     by dotenv files.
//   - The environment is parsed into any struct using `env` field tags.
//
// # Usage
//
//	type Config struct {
//		Store string        `env:"STORE" envDefault:"redis"`
//		TTL   time.Duration `env:"LOCK_TTL" envDefault:"10s"`
//	}
//
//	var cfg Config
//	if err := config.Load(&cfg, config.WithPrefix("ROLLOUT_")); err != nil {
//		return err
//	}
//
// MustLoad panics instead of returning an error, for programs that cannot
// start without their configuration.
package config

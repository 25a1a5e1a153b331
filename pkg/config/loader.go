package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const defaultEnvFile = ".env"

type options struct {
	prefix      string
	envFiles    []string
	environment map[string]string
}

// Option configures a single Load call.
type Option func(*options)

// WithPrefix prepends prefix to every env tag, e.g. "ROLLOUT_".
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithEnvFiles loads the given dotenv files, in order, before parsing.
// Earlier files take precedence over later ones.
func WithEnvFiles(paths ...string) Option {
	return func(o *options) {
		o.envFiles = append(o.envFiles, paths...)
	}
}

// WithEnvironment parses from vars instead of the process environment.
// Dotenv files are not read when it is set.
func WithEnvironment(vars map[string]string) Option {
	return func(o *options) {
		o.environment = vars
	}
}

// Load parses environment variables into v according to its `env` field tags.
//
// Example:
//
//	type RedisConfig struct {
//		URL string `env:"REDIS_URL,required"`
//	}
//
//	var cfg RedisConfig
//	if err := config.Load(&cfg); err != nil {
//		// Handle error
//	}
func Load[T any](v *T, opts ...Option) error {
	if v == nil {
		return ErrNilPointer
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.environment == nil {
		if err := loadEnvFiles(o.envFiles); err != nil {
			return err
		}
	}

	if err := env.ParseWithOptions(v, env.Options{
		Prefix:      o.prefix,
		Environment: o.environment,
	}); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}

// MustLoad works like Load but panics if configuration loading fails.
func MustLoad[T any](v *T, opts ...Option) {
	if err := Load(v, opts...); err != nil {
		panic(fmt.Sprintf("Failed to load required configuration: %v", err))
	}
}

func loadEnvFiles(paths []string) error {
	if len(paths) > 0 {
		if err := godotenv.Load(paths...); err != nil {
			return errors.Join(ErrLoadingEnvFile, err)
		}
		return nil
	}
	if _, err := os.Stat(defaultEnvFile); err != nil {
		return nil
	}
	if err := godotenv.Load(defaultEnvFile); err != nil {
		return errors.Join(ErrLoadingEnvFile, err)
	}
	return nil
}

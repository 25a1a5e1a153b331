package main

import (
	"github.com/dmitrymomot/rollout/pkg/redis"
)

const (
	storeRedis  = "redis"
	storePebble = "pebble"
)

// Config is read from the environment and an optional .env file.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
	Store       string `env:"ROLLOUT_STORE" envDefault:"redis"`
	PebbleDir   string `env:"ROLLOUT_PEBBLE_DIR" envDefault:"./data/rollout"`
	PebbleFsync string `env:"ROLLOUT_PEBBLE_FSYNC" envDefault:"always"`
	GroupsFile  string `env:"ROLLOUT_GROUPS_FILE"`

	Redis redis.Config
}

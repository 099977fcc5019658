package store

import (
	"fmt"

	"github.com/go-redis/redis/v8"
)

const (
	DriverRedis  = "redis"
	DriverBadger = "badger"
)

type Config struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

// Open returns the configured backend. rdb is only used by the redis driver.
func Open(cfg Config, rdb redis.Cmdable) (Store, error) {
	switch cfg.Driver {
	case "", DriverRedis:
		if rdb == nil {
			return nil, fmt.Errorf("store: redis driver needs a client")
		}
		return NewRedisStore(rdb), nil
	case DriverBadger:
		return OpenBadger(cfg.Path, cfg.InMemory)
	}
	return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
}

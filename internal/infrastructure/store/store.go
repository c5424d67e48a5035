package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/davidleathers/reputation-simulator/internal/infrastructure/config"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("store: key not found")

// KV is a durable key-value store holding opaque values.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// New opens the store selected by cfg.Driver.
func New(cfg *config.StoreConfig, logger *zap.Logger) (KV, error) {
	if cfg == nil {
		return nil, fmt.Errorf("store config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	switch cfg.Driver {
	case "sqlite":
		return NewSQLite(cfg.SQLite.Path, logger)
	case "redis":
		return NewRedis(&cfg.Redis, logger)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

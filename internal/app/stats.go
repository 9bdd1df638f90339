package app

import (
	"context"
	"errors"
	"fmt"

	"misskeybot/internal/config"
	"misskeybot/internal/storage"
	logx "misskeybot/pkg/logx"
)

// ErrNoStorage is returned by LedgerStats when storage is disabled.
var ErrNoStorage = errors.New("storage is disabled")

// LedgerStats opens the configured store and summarizes the processed-event
// ledger.
func LedgerStats(ctx context.Context, cfgPath string) (storage.Stats, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return storage.Stats{}, fmt.Errorf("load config: %w", err)
	}
	store, err := storage.Open(mapStorage(cfg), logx.Nop())
	if err != nil {
		return storage.Stats{}, fmt.Errorf("open storage: %w", err)
	}
	if store == nil {
		return storage.Stats{}, ErrNoStorage
	}
	defer store.Close()
	return store.Stats(ctx)
}

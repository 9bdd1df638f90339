package storage

import (
	"context"
	"errors"
	"time"

	"misskeybot/internal/event"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" / "sqlite3": SQLite database file
//   - "file": jsonl journal + snapshot next to Path
//   - "redis": Redis server at Redis.Addr
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 30s
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // default "misskeybot"
}

// Record is one processed event. Extra holds the username for mentions and
// the chat type for messages.
type Record struct {
	ID          string         `json:"id"`
	Category    event.Category `json:"category"`
	UserID      string         `json:"user_id,omitempty"`
	Extra       string         `json:"extra,omitempty"`
	ProcessedAt time.Time      `json:"processed_at"`
}

// Stats summarizes the ledger.
type Stats struct {
	Counts     map[event.Category]int64 `json:"counts"`
	Oldest     time.Time                `json:"oldest,omitempty"`
	Newest     time.Time                `json:"newest,omitempty"`
	PluginKeys int64                    `json:"plugin_keys"`
}

// Ledger is the durable processed-event record.
type Ledger interface {
	IsProcessed(ctx context.Context, cat event.Category, id string) (bool, error)
	// MarkProcessed is insert-or-ignore: marking an existing id is not an error.
	MarkProcessed(ctx context.Context, r Record) error
	// Recent returns up to limit records, most recent first.
	Recent(ctx context.Context, cat event.Category, limit int) ([]Record, error)
	PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// KV is the namespaced plugin data area.
type KV interface {
	Get(ctx context.Context, namespace, key string) (string, bool, error)
	Set(ctx context.Context, namespace, key, value string) error
	Delete(ctx context.Context, namespace, key string) error
}

// Store is everything a driver provides.
type Store interface {
	Ledger
	KV
	Stats(ctx context.Context) (Stats, error)
	Vacuum(ctx context.Context) error
	Close() error
}

// Categories lists the ledger namespaces in a stable order.
var Categories = []event.Category{event.CategoryMention, event.CategoryMessage}

func knownCategory(cat event.Category) bool {
	return cat == event.CategoryMention || cat == event.CategoryMessage
}

func errUnknownCategory(cat event.Category) error {
	return errors.New("unknown category: " + string(cat))
}

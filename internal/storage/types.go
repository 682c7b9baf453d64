package storage

import (
	"context"
	"errors"
	"time"

	"drillbot/internal/vocab"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "mysql", "postgres": server database reached through DSN
//   - "memory": process-local maps, lost on exit
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the executor and the scheduler.
//
// Every method is individually atomic; IncrementExposure in particular never
// exposes a half-updated counter to concurrent readers.
type Store interface {
	// UpsertItem records an item and its translations. Existing items keep
	// their first observed form; new translations are added.
	UpsertItem(ctx context.Context, item vocab.Item) error
	// GetItem returns ErrNotFound when the item was never recorded.
	GetItem(ctx context.Context, id int64) (vocab.Item, error)
	GetExposure(ctx context.Context, profile string, itemID int64) (vocab.Exposure, error)
	IncrementExposure(ctx context.Context, profile string, itemID int64, at time.Time) error
	// FindSynonyms returns items the profile has already seen that share at
	// least one of the given translations. Translations are not populated.
	FindSynonyms(ctx context.Context, profile string, translations []string) ([]vocab.Item, error)

	AppendSessionRecord(ctx context.Context, rec SessionRecord) error
	SessionRecords(ctx context.Context, profile string, limit int) ([]SessionRecord, error)
	// SnapshotStatistics appends a global and a per-profile snapshot and
	// returns both.
	SnapshotStatistics(ctx context.Context, profile string, at time.Time) (Statistics, Statistics, error)

	Close() error
}

// SessionRecord is the append-only outcome of one run attempt.
type SessionRecord struct {
	RunID     string    `json:"run_id"`
	Profile   string    `json:"profile"`
	Cause     string    `json:"cause"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Success   bool      `json:"success"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	Tasks     int       `json:"tasks"`
	Mistakes  int       `json:"mistakes"`
}

// Statistics is one snapshot row. Profile is empty for global snapshots,
// where Tasks counts nothing and stays zero.
type Statistics struct {
	Profile            string    `json:"profile,omitempty"`
	At                 time.Time `json:"at"`
	Words              int64     `json:"words"`
	Tasks              int64     `json:"tasks"`
	Translations       int64     `json:"translations"`
	UniqueTranslations int64     `json:"unique_translations"`
}

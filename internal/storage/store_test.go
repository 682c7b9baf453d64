package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"drillbot/internal/vocab"
	logx "drillbot/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	sqlite, err := Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "db", "drill.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	mem, err := Open(ctx, Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlite.Close()
		_ = mem.Close()
	})
	return map[string]Store{"sqlite": sqlite, "memory": mem}
}

func TestStoreItemsAndSynonyms(t *testing.T) {
	t.Parallel()

	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			house := vocab.Item{ID: 1, Word: "house", ShownWord: "House", UsageExample: "A big ___.", Translations: []string{"dom", "budynek"}}
			home := vocab.Item{ID: 2, Word: "home", Translations: []string{"dom"}}
			tree := vocab.Item{ID: 3, Word: "tree", Translations: []string{"drzewo"}}
			for _, it := range []vocab.Item{house, home, tree} {
				if err := st.UpsertItem(ctx, it); err != nil {
					t.Fatalf("UpsertItem(%d): %v", it.ID, err)
				}
			}
			// Second sighting adds a translation but keeps the first observed form.
			if err := st.UpsertItem(ctx, vocab.Item{ID: 1, Word: "HOUSE", Translations: []string{"dom", "chata"}}); err != nil {
				t.Fatalf("re-upsert: %v", err)
			}

			got, err := st.GetItem(ctx, 1)
			if err != nil {
				t.Fatalf("GetItem: %v", err)
			}
			if got.Word != "house" || got.ShownWord != "House" || len(got.Translations) != 3 {
				t.Fatalf("unexpected item: %+v", got)
			}
			if got, _ := st.GetItem(ctx, 2); got.ShownWord != "home" {
				t.Fatalf("shown word should default to word, got %+v", got)
			}
			if _, err := st.GetItem(ctx, 99); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetItem(99) err = %v, want ErrNotFound", err)
			}

			// Only items the profile has seen count as synonyms.
			syn, err := st.FindSynonyms(ctx, "alice", []string{"dom"})
			if err != nil || len(syn) != 0 {
				t.Fatalf("FindSynonyms before exposure = %v, %v", syn, err)
			}
			now := time.Now()
			for _, id := range []int64{1, 2, 3} {
				if err := st.IncrementExposure(ctx, "alice", id, now); err != nil {
					t.Fatalf("IncrementExposure: %v", err)
				}
			}
			syn, err = st.FindSynonyms(ctx, "alice", []string{"dom", " "})
			if err != nil {
				t.Fatalf("FindSynonyms: %v", err)
			}
			if len(syn) != 2 || syn[0].ID != 1 || syn[1].ID != 2 {
				t.Fatalf("unexpected synonyms: %+v", syn)
			}
			if syn, _ := st.FindSynonyms(ctx, "bob", []string{"dom"}); len(syn) != 0 {
				t.Fatalf("bob should have no synonyms, got %+v", syn)
			}
		})
	}
}

func TestStoreExposureIncrementsAtomically(t *testing.T) {
	t.Parallel()

	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if e, err := st.GetExposure(ctx, "alice", 7); err != nil || e.Count != 0 {
				t.Fatalf("unseen exposure = %+v, %v", e, err)
			}

			const n = 20
			at := time.UnixMilli(1_700_000_000_000)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := st.IncrementExposure(ctx, "alice", 7, at); err != nil {
						t.Errorf("IncrementExposure: %v", err)
					}
				}()
			}
			wg.Wait()

			e, err := st.GetExposure(ctx, "alice", 7)
			if err != nil {
				t.Fatalf("GetExposure: %v", err)
			}
			if e.Count != n || e.LastSeen != at.UnixMilli() {
				t.Fatalf("exposure = %+v, want count %d", e, n)
			}
			if e, _ := st.GetExposure(ctx, "bob", 7); e.Count != 0 {
				t.Fatalf("exposures must be per profile, got %+v", e)
			}
		})
	}
}

func TestStoreRecordsAndStatistics(t *testing.T) {
	t.Parallel()

	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.UnixMilli(1_700_000_000_000)
			recs := []SessionRecord{
				{RunID: "r1", Profile: "alice", Cause: "scheduled", StartedAt: base, EndedAt: base.Add(time.Minute), Success: true, Outcome: "completed", Tasks: 10, Mistakes: 2},
				{RunID: "r2", Profile: "alice", Cause: "operator", StartedAt: base.Add(time.Hour), EndedAt: base.Add(2 * time.Hour), Outcome: "failed", Error: "cancelled"},
				{RunID: "r3", Profile: "bob", Cause: "scheduled", StartedAt: base, EndedAt: base},
			}
			for _, r := range recs {
				if err := st.AppendSessionRecord(ctx, r); err != nil {
					t.Fatalf("AppendSessionRecord: %v", err)
				}
			}
			if err := st.AppendSessionRecord(ctx, recs[0]); err == nil {
				t.Fatalf("duplicate run id should be rejected")
			}

			got, err := st.SessionRecords(ctx, "alice", 10)
			if err != nil {
				t.Fatalf("SessionRecords: %v", err)
			}
			if len(got) != 2 || got[0].RunID != "r2" || got[1].RunID != "r1" {
				t.Fatalf("unexpected records: %+v", got)
			}
			if got[0].Success || got[0].Error != "cancelled" || !got[1].Success || got[1].Tasks != 10 {
				t.Fatalf("record fields lost: %+v", got)
			}
			if !got[1].StartedAt.Equal(base) {
				t.Fatalf("started_at = %v, want %v", got[1].StartedAt, base)
			}

			_ = st.UpsertItem(ctx, vocab.Item{ID: 1, Word: "house", Translations: []string{"dom", "budynek"}})
			_ = st.UpsertItem(ctx, vocab.Item{ID: 2, Word: "home", Translations: []string{"dom"}})
			_ = st.IncrementExposure(ctx, "alice", 1, base)
			_ = st.IncrementExposure(ctx, "alice", 1, base)

			global, per, err := st.SnapshotStatistics(ctx, "alice", base)
			if err != nil {
				t.Fatalf("SnapshotStatistics: %v", err)
			}
			if global.Words != 2 || global.Translations != 3 || global.UniqueTranslations != 2 {
				t.Fatalf("global stats = %+v", global)
			}
			if per.Profile != "alice" || per.Words != 1 || per.Tasks != 2 || per.Translations != 2 || per.UniqueTranslations != 2 {
				t.Fatalf("profile stats = %+v", per)
			}
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for _, cfg := range []Config{
		{Driver: "oracle"},
		{Driver: "sqlite"},
		{Driver: "mysql"},
		{Driver: "postgres"},
	} {
		if st, err := Open(ctx, cfg, logx.Nop()); err == nil {
			_ = st.Close()
			t.Fatalf("Open(%+v) should fail", cfg)
		}
	}
}

func TestDialectQueries(t *testing.T) {
	t.Parallel()

	keys := []string{"profile", "item_id"}
	tests := []struct {
		d    Dialect
		want string
	}{
		{SQLiteDialect{}, "INSERT INTO exposures (profile, item_id, seen_times, last_seen) VALUES (?, ?, 1, ?) ON CONFLICT(profile, item_id) DO UPDATE SET seen_times = exposures.seen_times + 1, last_seen = excluded.last_seen"},
		{MySQLDialect{}, "INSERT INTO exposures (profile, item_id, seen_times, last_seen) VALUES (?, ?, 1, ?) ON DUPLICATE KEY UPDATE seen_times = seen_times + 1, last_seen = VALUES(last_seen)"},
		{PostgresDialect{}, "INSERT INTO exposures (profile, item_id, seen_times, last_seen) VALUES (?, ?, 1, ?) ON CONFLICT(profile, item_id) DO UPDATE SET seen_times = exposures.seen_times + 1, last_seen = excluded.last_seen"},
	}
	for _, tc := range tests {
		if got := tc.d.IncrementCounter("exposures", keys, "seen_times", "last_seen"); got != tc.want {
			t.Fatalf("%s IncrementCounter:\n got %s\nwant %s", tc.d.Name(), got, tc.want)
		}
	}

	if got := (MySQLDialect{}).InsertIgnore("t", []string{"a", "b"}, []string{"a"}); got != "INSERT IGNORE INTO t (a, b) VALUES (?, ?)" {
		t.Fatalf("mysql InsertIgnore = %q", got)
	}
	if got := (PostgresDialect{}).RewriteQuery("SELECT ? WHERE a = ? AND b = ?"); got != "SELECT $1 WHERE a = $2 AND b = $3" {
		t.Fatalf("postgres RewriteQuery = %q", got)
	}
}

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	got := splitStatements("-- header\nCREATE TABLE a (x INT);\n\nCREATE INDEX i ON a(x);\n")
	if len(got) != 2 || got[0] != "CREATE TABLE a (x INT)" || got[1] != "CREATE INDEX i ON a(x)" {
		t.Fatalf("splitStatements = %#v", got)
	}
}

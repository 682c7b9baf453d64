package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"drillbot/internal/vocab"
)

type exposureKey struct {
	profile string
	item    int64
}

// memoryStore keeps everything in process memory. Used by tests and by
// deployments that do not care about learning history across restarts.
type memoryStore struct {
	mu        sync.RWMutex
	items     map[int64]vocab.Item
	exposures map[exposureKey]vocab.Exposure
	records   []SessionRecord
	stats     []Statistics
}

func NewMemory() Store {
	return &memoryStore{
		items:     map[int64]vocab.Item{},
		exposures: map[exposureKey]vocab.Exposure{},
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) UpsertItem(_ context.Context, item vocab.Item) error {
	if item.ID == 0 {
		return errors.New("storage: item id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.items[item.ID]
	if !ok {
		cur = vocab.Item{ID: item.ID, Word: item.Word, ShownWord: shownOr(item), UsageExample: item.UsageExample}
	}
	have := make(map[string]struct{}, len(cur.Translations))
	for _, tr := range cur.Translations {
		have[tr] = struct{}{}
	}
	for _, tr := range item.Translations {
		tr = strings.TrimSpace(tr)
		if tr == "" {
			continue
		}
		if _, dup := have[tr]; dup {
			continue
		}
		have[tr] = struct{}{}
		cur.Translations = append(cur.Translations, tr)
	}
	sort.Strings(cur.Translations)
	m.items[item.ID] = cur
	return nil
}

func (m *memoryStore) GetItem(_ context.Context, id int64) (vocab.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return vocab.Item{}, ErrNotFound
	}
	it.Translations = append([]string(nil), it.Translations...)
	return it, nil
}

func (m *memoryStore) GetExposure(_ context.Context, profile string, itemID int64) (vocab.Exposure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exposures[exposureKey{profile, itemID}], nil
}

func (m *memoryStore) IncrementExposure(_ context.Context, profile string, itemID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := exposureKey{profile, itemID}
	e := m.exposures[k]
	e.Count++
	e.LastSeen = at.UnixMilli()
	m.exposures[k] = e
	return nil
}

func (m *memoryStore) FindSynonyms(_ context.Context, profile string, translations []string) ([]vocab.Item, error) {
	want := make(map[string]struct{}, len(translations))
	for _, tr := range translations {
		if tr = strings.TrimSpace(tr); tr != "" {
			want[tr] = struct{}{}
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []vocab.Item
	for id, it := range m.items {
		if _, seen := m.exposures[exposureKey{profile, id}]; !seen {
			continue
		}
		for _, tr := range it.Translations {
			if _, ok := want[tr]; ok {
				out = append(out, vocab.Item{ID: it.ID, Word: it.Word, ShownWord: it.ShownWord, UsageExample: it.UsageExample})
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) AppendSessionRecord(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.RunID == rec.RunID {
			return errors.New("storage: duplicate run id " + rec.RunID)
		}
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memoryStore) SessionRecords(_ context.Context, profile string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SessionRecord
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		if m.records[i].Profile == profile {
			out = append(out, m.records[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *memoryStore) SnapshotStatistics(_ context.Context, profile string, at time.Time) (Statistics, Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	global := Statistics{At: at, Words: int64(len(m.items))}
	uniq := map[string]struct{}{}
	for _, it := range m.items {
		global.Translations += int64(len(it.Translations))
		for _, tr := range it.Translations {
			uniq[tr] = struct{}{}
		}
	}
	global.UniqueTranslations = int64(len(uniq))

	per := Statistics{Profile: profile, At: at}
	puniq := map[string]struct{}{}
	for k, e := range m.exposures {
		if k.profile != profile {
			continue
		}
		per.Words++
		per.Tasks += int64(e.Count)
		it := m.items[k.item]
		per.Translations += int64(len(it.Translations))
		for _, tr := range it.Translations {
			puniq[tr] = struct{}{}
		}
	}
	per.UniqueTranslations = int64(len(puniq))

	m.stats = append(m.stats, global, per)
	return global, per, nil
}

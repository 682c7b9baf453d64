package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"drillbot/internal/vocab"
	logx "drillbot/pkg/logx"
)

type sqlStore struct {
	db      *sql.DB
	dialect Dialect
	log     logx.Logger
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.RewriteQuery(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.RewriteQuery(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.RewriteQuery(query), args...)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) UpsertItem(ctx context.Context, item vocab.Item) error {
	if item.ID == 0 {
		return errors.New("storage: item id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	insItem := s.dialect.RewriteQuery(s.dialect.InsertIgnore("items",
		[]string{"id", "word", "shown_word", "usage_example"}, []string{"id"}))
	if _, err := tx.ExecContext(ctx, insItem, item.ID, item.Word, shownOr(item), item.UsageExample); err != nil {
		return fmt.Errorf("storage: upsert item %d: %w", item.ID, err)
	}

	insTr := s.dialect.RewriteQuery(s.dialect.InsertIgnore("item_translations",
		[]string{"item_id", "translation"}, []string{"item_id", "translation"}))
	for _, tr := range item.Translations {
		tr = strings.TrimSpace(tr)
		if tr == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, insTr, item.ID, tr); err != nil {
			return fmt.Errorf("storage: upsert translation %q: %w", tr, err)
		}
	}
	return tx.Commit()
}

func shownOr(item vocab.Item) string {
	if strings.TrimSpace(item.ShownWord) != "" {
		return item.ShownWord
	}
	return item.Word
}

func (s *sqlStore) GetItem(ctx context.Context, id int64) (vocab.Item, error) {
	it := vocab.Item{ID: id}
	err := s.queryRow(ctx, `SELECT word, shown_word, usage_example FROM items WHERE id = ?`, id).
		Scan(&it.Word, &it.ShownWord, &it.UsageExample)
	if errors.Is(err, sql.ErrNoRows) {
		return vocab.Item{}, ErrNotFound
	}
	if err != nil {
		return vocab.Item{}, err
	}

	rows, err := s.query(ctx, `SELECT translation FROM item_translations WHERE item_id = ? ORDER BY translation`, id)
	if err != nil {
		return vocab.Item{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var tr string
		if err := rows.Scan(&tr); err != nil {
			return vocab.Item{}, err
		}
		it.Translations = append(it.Translations, tr)
	}
	return it, rows.Err()
}

func (s *sqlStore) GetExposure(ctx context.Context, profile string, itemID int64) (vocab.Exposure, error) {
	var e vocab.Exposure
	err := s.queryRow(ctx, `SELECT seen_times, last_seen FROM exposures WHERE profile = ? AND item_id = ?`, profile, itemID).
		Scan(&e.Count, &e.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return vocab.Exposure{}, nil
	}
	return e, err
}

func (s *sqlStore) IncrementExposure(ctx context.Context, profile string, itemID int64, at time.Time) error {
	q := s.dialect.IncrementCounter("exposures", []string{"profile", "item_id"}, "seen_times", "last_seen")
	_, err := s.exec(ctx, q, profile, itemID, at.UnixMilli())
	return err
}

func (s *sqlStore) FindSynonyms(ctx context.Context, profile string, translations []string) ([]vocab.Item, error) {
	clean := make([]any, 0, len(translations)+1)
	clean = append(clean, profile)
	for _, tr := range translations {
		if tr = strings.TrimSpace(tr); tr != "" {
			clean = append(clean, tr)
		}
	}
	if len(clean) == 1 {
		return nil, nil
	}
	in := strings.TrimSuffix(strings.Repeat("?, ", len(clean)-1), ", ")
	rows, err := s.query(ctx, `SELECT DISTINCT i.id, i.word, i.shown_word, i.usage_example
		FROM items i
		JOIN exposures e ON e.item_id = i.id AND e.profile = ?
		JOIN item_translations t ON t.item_id = i.id
		WHERE t.translation IN (`+in+`)
		ORDER BY i.id`, clean...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []vocab.Item
	for rows.Next() {
		var it vocab.Item
		if err := rows.Scan(&it.ID, &it.Word, &it.ShownWord, &it.UsageExample); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendSessionRecord(ctx context.Context, rec SessionRecord) error {
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.exec(ctx, `INSERT INTO session_records
		(run_id, profile, cause, started_at, ended_at, success, outcome, err_text, tasks, mistakes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Profile, rec.Cause, rec.StartedAt.UnixMilli(), rec.EndedAt.UnixMilli(),
		success, rec.Outcome, nullStr(rec.Error), rec.Tasks, rec.Mistakes,
	)
	return err
}

func (s *sqlStore) SessionRecords(ctx context.Context, profile string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, `SELECT run_id, profile, cause, started_at, ended_at, success, outcome, err_text, tasks, mistakes
		FROM session_records WHERE profile = ? ORDER BY started_at DESC LIMIT ?`, profile, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			r              SessionRecord
			started, ended int64
			success        int
			errText        sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.Profile, &r.Cause, &started, &ended, &success, &r.Outcome, &errText, &r.Tasks, &r.Mistakes); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		r.EndedAt = time.UnixMilli(ended)
		r.Success = success != 0
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) SnapshotStatistics(ctx context.Context, profile string, at time.Time) (Statistics, Statistics, error) {
	global := Statistics{At: at}
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM items`).Scan(&global.Words); err != nil {
		return Statistics{}, Statistics{}, err
	}
	if err := s.queryRow(ctx, `SELECT COUNT(*), COUNT(DISTINCT translation) FROM item_translations`).
		Scan(&global.Translations, &global.UniqueTranslations); err != nil {
		return Statistics{}, Statistics{}, err
	}

	per := Statistics{Profile: profile, At: at}
	if err := s.queryRow(ctx, `SELECT COUNT(*), COALESCE(SUM(seen_times), 0) FROM exposures WHERE profile = ?`, profile).
		Scan(&per.Words, &per.Tasks); err != nil {
		return Statistics{}, Statistics{}, err
	}
	if err := s.queryRow(ctx, `SELECT COUNT(*), COUNT(DISTINCT t.translation)
		FROM item_translations t JOIN exposures e ON e.item_id = t.item_id
		WHERE e.profile = ?`, profile).
		Scan(&per.Translations, &per.UniqueTranslations); err != nil {
		return Statistics{}, Statistics{}, err
	}

	for _, st := range []Statistics{global, per} {
		if _, err := s.exec(ctx, `INSERT INTO statistics (profile, taken_at, words, tasks, translations, unique_translations)
			VALUES (?, ?, ?, ?, ?, ?)`,
			st.Profile, st.At.UnixMilli(), st.Words, st.Tasks, st.Translations, st.UniqueTranslations); err != nil {
			return Statistics{}, Statistics{}, err
		}
	}
	return global, per, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/manningwu07/chatlm/errs"
	"github.com/manningwu07/chatlm/params"
)

// SQLite implements CorpusStore and ModelStore on a single database file.
type SQLite struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS training_texts(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL NOT NULL,
		text TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pairs(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL NOT NULL,
		input TEXT NOT NULL,
		output TEXT NOT NULL,
		prior TEXT,
		language TEXT NOT NULL DEFAULT '',
		difficulty TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS model_state(
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated REAL NOT NULL
	)`,
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errs.ErrStorage, path, err)
	}
	// one writer; keeps transactions from tripping over SQLITE_BUSY
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: schema: %v", errs.ErrStorage, err)
		}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	return nil
}

func now() float64 { return float64(time.Now().UnixMilli()) / 1000.0 }

func (s *SQLite) GetTrainingTexts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT text FROM training_texts ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrStorage, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	return out, nil
}

func (s *SQLite) AddTrainingText(ctx context.Context, text string) error {
	if _, err := s.db.ExecContext(ctx, "INSERT INTO training_texts(ts, text) VALUES(?,?)", now(), text); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	return nil
}

func (s *SQLite) GetConversationPairs(ctx context.Context, f Filter) ([]params.Example, error) {
	var where []string
	var args []any
	cond := func(col, v string) {
		if v = strings.TrimSpace(v); v != "" {
			where = append(where, "lower("+col+") = lower(?)")
			args = append(args, v)
		}
	}
	cond("language", f.Language)
	cond("difficulty", string(f.Difficulty))
	cond("topic", f.Topic)
	cond("source", f.Source)

	q := "SELECT input, output, COALESCE(prior, ''), language, difficulty, topic, source FROM pairs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	defer rows.Close()
	var out []params.Example
	for rows.Next() {
		var ex params.Example
		var diff string
		if err := rows.Scan(&ex.Input, &ex.Output, &ex.Prior, &ex.Meta.Language, &diff, &ex.Meta.Topic, &ex.Meta.Source); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrStorage, err)
		}
		ex.Meta.Difficulty = params.Difficulty(diff)
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	// chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLite) AddConversation(ctx context.Context, input, output string, meta params.Metadata) error {
	return s.addPair(ctx, input, output, nil, withSource(meta, SourceConversation))
}

func (s *SQLite) AddFeedback(ctx context.Context, input, prior, correction string, meta params.Metadata) error {
	return s.addPair(ctx, input, correction, &prior, withSource(meta, SourceFeedback))
}

func (s *SQLite) addPair(ctx context.Context, input, output string, prior *string, m params.Metadata) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO pairs(ts, input, output, prior, language, difficulty, topic, source) VALUES(?,?,?,?,?,?,?,?)",
		now(), input, output, prior, m.Language, string(m.Difficulty), m.Topic, m.Source)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putState(ctx context.Context, db execer, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO model_state(key, value, updated) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated = excluded.updated`,
		key, value, now())
	if err != nil {
		return fmt.Errorf("%w: save %s: %v", errs.ErrStorage, key, err)
	}
	return nil
}

func (s *SQLite) getState(ctx context.Context, key string) ([]byte, bool, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM model_state WHERE key = ?", key).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: load %s: %v", errs.ErrStorage, key, err)
	}
	return b, true, nil
}

func (s *SQLite) putJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", errs.ErrStorage, key, err)
	}
	return putState(ctx, s.db, key, b)
}

func (s *SQLite) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	b, ok, err := s.getState(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", errs.ErrStorage, key, err)
	}
	return true, nil
}

func (s *SQLite) SaveWeights(ctx context.Context, blob []byte) error {
	return putState(ctx, s.db, keyWeights, blob)
}

func (s *SQLite) LoadWeights(ctx context.Context) ([]byte, bool, error) {
	return s.getState(ctx, keyWeights)
}

func (s *SQLite) SaveVocabulary(ctx context.Context, v params.Vocabulary) error {
	return s.putJSON(ctx, keyVocabulary, v)
}

func (s *SQLite) LoadVocabulary(ctx context.Context) (params.Vocabulary, bool, error) {
	var v params.Vocabulary
	ok, err := s.getJSON(ctx, keyVocabulary, &v)
	return v, ok, err
}

func (s *SQLite) SaveConfig(ctx context.Context, c params.ModelConfig) error {
	return s.putJSON(ctx, keyConfig, c)
}

func (s *SQLite) LoadConfig(ctx context.Context) (params.ModelConfig, bool, error) {
	var c params.ModelConfig
	ok, err := s.getJSON(ctx, keyConfig, &c)
	return c, ok, err
}

func (s *SQLite) SaveMetrics(ctx context.Context, m params.Metrics) error {
	return s.putJSON(ctx, keyMetrics, m)
}

func (s *SQLite) LoadMetrics(ctx context.Context) (params.Metrics, bool, error) {
	var m params.Metrics
	ok, err := s.getJSON(ctx, keyMetrics, &m)
	return m, ok, err
}

func (s *SQLite) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	cfg, err := json.Marshal(snap.Config)
	if err != nil {
		return fmt.Errorf("%w: encode config: %v", errs.ErrStorage, err)
	}
	vocab, err := json.Marshal(snap.Vocabulary)
	if err != nil {
		return fmt.Errorf("%w: encode vocabulary: %v", errs.ErrStorage, err)
	}
	metrics, err := json.Marshal(snap.Metrics)
	if err != nil {
		return fmt.Errorf("%w: encode metrics: %v", errs.ErrStorage, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", errs.ErrStorage, err)
	}
	defer tx.Rollback()
	for _, kv := range []struct {
		key string
		val []byte
	}{
		{keyConfig, cfg},
		{keyVocabulary, vocab},
		{keyWeights, snap.Weights},
		{keyMetrics, metrics},
	} {
		if err := putState(ctx, tx, kv.key, kv.val); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", errs.ErrStorage, err)
	}
	return nil
}

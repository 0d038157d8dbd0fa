package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "dynbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ids(ctx context.Context, query string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Load(ctx context.Context) (State, error) {
	subs, err := s.ids(ctx, `SELECT chat_id FROM subscriber ORDER BY chat_id`)
	if err != nil {
		return State{}, err
	}
	live, err := s.ids(ctx, `SELECT uid FROM live ORDER BY uid`)
	if err != nil {
		return State{}, err
	}
	return State{Subscribers: subs, Live: live}, nil
}

func (s *sqliteStore) SetSubscriber(ctx context.Context, chatID int64, on bool) error {
	if on {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO subscriber(chat_id, added_at) VALUES(?, ?) ON CONFLICT(chat_id) DO NOTHING`,
			chatID, time.Now().UTC().Format(time.RFC3339))
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriber WHERE chat_id = ?`, chatID)
	return err
}

func (s *sqliteStore) SetLive(ctx context.Context, uid int64, on bool) error {
	if on {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO live(uid, since) VALUES(?, ?) ON CONFLICT(uid) DO NOTHING`,
			uid, time.Now().UTC().Format(time.RFC3339))
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM live WHERE uid = ?`, uid)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, action, target, err, meta)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), e.ChatID,
		e.Action, nullStr(e.Target), nullStr(e.Error), nullStr(e.MetaJSON),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "bottlebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("cycle journal opened", logx.String("path", path), logx.String("driver", "sqlite"))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendCycle(ctx context.Context, r CycleRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cycles(id, bottle_id, message, announced_at, closed_at, elapsed_ms, user_id, user_name, outcome)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, nullStr(r.BottleID), r.Message,
		r.AnnouncedAt.UTC().Format(time.RFC3339Nano), r.ClosedAt.UTC().Format(time.RFC3339Nano),
		r.ElapsedMS, r.UserID, nullStr(r.UserName), r.Outcome,
	)
	return err
}

func (s *sqliteStore) RecentCycles(ctx context.Context, n int) ([]CycleRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(bottle_id,''), message, announced_at, closed_at, elapsed_ms,
		        COALESCE(user_id,0), COALESCE(user_name,''), outcome
		   FROM cycles ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var r CycleRecord
		var announced, closed string
		if err := rows.Scan(&r.ID, &r.BottleID, &r.Message, &announced, &closed, &r.ElapsedMS, &r.UserID, &r.UserName, &r.Outcome); err != nil {
			return nil, err
		}
		r.AnnouncedAt, _ = time.Parse(time.RFC3339Nano, announced)
		r.ClosedAt, _ = time.Parse(time.RFC3339Nano, closed)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"pettrack/internal/model"
)

// Postgres is the remote PathStore.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// NewPostgresDB wraps an already opened database handle.
func NewPostgresDB(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

const schema = `CREATE TABLE IF NOT EXISTS path_points (
    device_id TEXT NOT NULL,
    day       TEXT NOT NULL,
    seq       INTEGER NOT NULL,
    lat       DOUBLE PRECISION NOT NULL,
    lon       DOUBLE PRECISION NOT NULL,
    ts        TEXT NOT NULL,
    PRIMARY KEY (device_id, day, seq)
)`

// EnsureSchema creates the path table when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// SavePath replaces the day's path of the device in one transaction.
func (p *Postgres) SavePath(ctx context.Context, deviceID, day string, recs []model.PathRecord) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM path_points WHERE device_id=$1 AND day=$2`, deviceID, day); err != nil {
		return fmt.Errorf("clear path: %w", err)
	}
	for i, r := range recs {
		_, err := tx.ExecContext(ctx, `INSERT INTO path_points (device_id, day, seq, lat, lon, ts) VALUES ($1,$2,$3,$4,$5,$6)`,
			deviceID, day, i, r.Latitude, r.Longitude, r.Timestamp)
		if err != nil {
			return fmt.Errorf("insert point %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) LoadPath(ctx context.Context, deviceID, day string) ([]model.PathRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT lat, lon, ts FROM path_points WHERE device_id=$1 AND day=$2 ORDER BY seq`, deviceID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PathRecord
	for rows.Next() {
		var r model.PathRecord
		if err := rows.Scan(&r.Latitude, &r.Longitude, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (p *Postgres) ListDays(ctx context.Context, deviceID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT day FROM path_points WHERE device_id=$1 ORDER BY day`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

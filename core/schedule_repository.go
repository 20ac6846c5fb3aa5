package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ScheduleStore persists portal records as opaque JSON keyed by (username, date).
// Load methods return nil, nil when nothing is stored.
type ScheduleStore interface {
	SaveSchedule(ctx context.Context, username, date string, entries []RosterEntry) error
	LoadSchedule(ctx context.Context, username, date string) ([]RosterEntry, error)
	SaveDia(ctx context.Context, username, date string, dia DiaInfo) error
	LoadDia(ctx context.Context, username, date string) (DiaInfo, error)
	SaveWorkingLocation(ctx context.Context, username, date, location string) error
	WorkingLocations(ctx context.Context, username, monthPrefix string) (map[string]string, error)
	DeleteUserData(ctx context.Context, username string) error
}

// PgScheduleRepository implements ScheduleStore using pgxpool.
type PgScheduleRepository struct {
	db *pgxpool.Pool
}

var _ ScheduleStore = (*PgScheduleRepository)(nil)

func NewPgScheduleRepository(db *pgxpool.Pool) *PgScheduleRepository {
	return &PgScheduleRepository{db: db}
}

func (r *PgScheduleRepository) SaveSchedule(ctx context.Context, username, date string, entries []RosterEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}
	const q = `INSERT INTO schedules (username, date, data, updated_at) VALUES ($1,$2,$3,now())
ON CONFLICT (username, date) DO UPDATE SET data=EXCLUDED.data, updated_at=now()`
	_, err = r.db.Exec(ctx, q, username, date, string(data))
	return err
}

func (r *PgScheduleRepository) LoadSchedule(ctx context.Context, username, date string) ([]RosterEntry, error) {
	const q = `SELECT data FROM schedules WHERE username=$1 AND date=$2`
	var raw string
	if err := r.db.QueryRow(ctx, q, username, date).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var entries []RosterEntry
	if err := decodeStored(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode schedule %s/%s: %w", username, date, err)
	}
	return entries, nil
}

func (r *PgScheduleRepository) SaveDia(ctx context.Context, username, date string, dia DiaInfo) error {
	data, err := json.Marshal(dia)
	if err != nil {
		return fmt.Errorf("encode dia: %w", err)
	}
	const q = `INSERT INTO dia_info (username, date, data, updated_at) VALUES ($1,$2,$3,now())
ON CONFLICT (username, date) DO UPDATE SET data=EXCLUDED.data, updated_at=now()`
	_, err = r.db.Exec(ctx, q, username, date, string(data))
	return err
}

func (r *PgScheduleRepository) LoadDia(ctx context.Context, username, date string) (DiaInfo, error) {
	const q = `SELECT data FROM dia_info WHERE username=$1 AND date=$2`
	var raw string
	if err := r.db.QueryRow(ctx, q, username, date).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var dia DiaInfo
	if err := decodeStored(raw, &dia); err != nil {
		return nil, fmt.Errorf("decode dia %s/%s: %w", username, date, err)
	}
	return dia, nil
}

func (r *PgScheduleRepository) SaveWorkingLocation(ctx context.Context, username, date, location string) error {
	const q = `INSERT INTO working_locations (username, date, location) VALUES ($1,$2,$3)
ON CONFLICT (username, date) DO UPDATE SET location=EXCLUDED.location`
	_, err := r.db.Exec(ctx, q, username, date, location)
	return err
}

// WorkingLocations returns date -> location for dates starting with monthPrefix (YYYYMM).
func (r *PgScheduleRepository) WorkingLocations(ctx context.Context, username, monthPrefix string) (map[string]string, error) {
	rows, err := r.db.Query(ctx, `SELECT date, location FROM working_locations WHERE username=$1 AND date LIKE $2`, username, monthPrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var date, location string
		if err := rows.Scan(&date, &location); err != nil {
			return nil, err
		}
		out[date] = location
	}
	return out, rows.Err()
}

// DeleteUserData removes every mirrored record of username.
func (r *PgScheduleRepository) DeleteUserData(ctx context.Context, username string) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM schedules WHERE username=$1`, username)
	batch.Queue(`DELETE FROM dia_info WHERE username=$1`, username)
	batch.Queue(`DELETE FROM working_locations WHERE username=$1`, username)
	return r.db.SendBatch(ctx, batch).Close()
}

func decodeStored(raw string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	return dec.Decode(v)
}

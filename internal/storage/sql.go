package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"daynews/internal/schedule"
	"daynews/pkg/logx"
)

// sqlStore implements Store on database/sql. Queries are written with "?"
// placeholders and rebound for dialects that number them.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dollars bool // postgres: ? -> $1, $2, ...
}

const selectCols = `subscriber_id, active, fire_time, last_delivered_date, updated_at`

func (s *sqlStore) q(query string) string {
	if !s.dollars {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) Get(ctx context.Context, id string) (schedule.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+selectCols+` FROM schedules WHERE subscriber_id = ?`), id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Record{}, false, nil
	}
	if err != nil {
		return schedule.Record{}, false, unavailable("get", err)
	}
	return r, true, nil
}

func (s *sqlStore) Upsert(ctx context.Context, rec schedule.Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO schedules(subscriber_id, active, fire_time, last_delivered_date, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(subscriber_id) DO UPDATE SET
		   active = excluded.active,
		   fire_time = excluded.fire_time,
		   last_delivered_date = excluded.last_delivered_date,
		   updated_at = excluded.updated_at`),
		rec.SubscriberID, boolInt(rec.Active), rec.FireTime.String(), nullStr(rec.LastDelivered.String()), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return unavailable("upsert", err)
	}
	return nil
}

func (s *sqlStore) SetActive(ctx context.Context, id string, active bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE schedules SET active = ?, updated_at = ? WHERE subscriber_id = ?`),
		boolInt(active), time.Now().UnixMilli(), id)
	if err != nil {
		return false, unavailable("set active", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("set active", err)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkDelivered(ctx context.Context, id string, date schedule.Date) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE schedules SET last_delivered_date = ?, updated_at = ? WHERE subscriber_id = ?`),
		nullStr(date.String()), time.Now().UnixMilli(), id)
	if err != nil {
		return unavailable("mark delivered", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("mark delivered", err)
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

func (s *sqlStore) ListAll(ctx context.Context) ([]schedule.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectCols+` FROM schedules`)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	var out []schedule.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			s.log.Warn("skipping unreadable schedule row", logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	return out, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner) (schedule.Record, error) {
	var (
		id        string
		active    int64
		fireTime  string
		delivered sql.NullString
		updated   int64
	)
	if err := sc.Scan(&id, &active, &fireTime, &delivered, &updated); err != nil {
		return schedule.Record{}, err
	}
	ft, err := schedule.ParseFireTime(fireTime)
	if err != nil {
		return schedule.Record{}, err
	}
	d, err := schedule.ParseDate(delivered.String)
	if err != nil {
		return schedule.Record{}, err
	}
	r := schedule.Record{SubscriberID: id, FireTime: ft, Active: active != 0, LastDelivered: d}
	if updated > 0 {
		r.UpdatedAt = time.UnixMilli(updated)
	}
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"oncall.org/internal/oncall"
)

type ledger struct{ db DBTX }

const recordColumns = `id, phone, user_id, division, start_time, end_time`

func scanRecord(row rowScanner) (oncall.Record, error) {
	var rec oncall.Record
	var end sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Phone, &rec.UserID, &rec.Division, &rec.StartTime, &end); err != nil {
		return oncall.Record{}, err
	}
	rec.StartTime = rec.StartTime.UTC()
	rec.EndTime = timePtr(end)
	return rec, nil
}

func (l ledger) Current(ctx context.Context, division string) (oncall.Record, error) {
	rec, err := scanRecord(l.db.QueryRowContext(ctx, `
		select `+recordColumns+`
		from on_call
		where division = $1 and end_time is null
		order by start_time desc, id desc
		limit 1
	`, division))
	if errors.Is(err, sql.ErrNoRows) {
		return oncall.Record{}, oncall.ErrNotFound
	}
	if err != nil {
		return oncall.Record{}, mapErr(err)
	}
	return rec, nil
}

// CloseCurrentAndOpenNew must run inside Store.InTx. It locks the current row
// for the division so concurrent callers queue behind it.
func (l ledger) CloseCurrentAndOpenNew(ctx context.Context, division, phone string, userID int64, now time.Time) (oncall.Record, error) {
	if strings.TrimSpace(division) == "" || strings.TrimSpace(phone) == "" {
		return oncall.Record{}, oncall.ErrInvalidInput
	}

	var current *oncall.Record
	var curStart time.Time
	err := l.db.QueryRowContext(ctx, `
		select start_time
		from on_call
		where division = $1 and end_time is null
		order by start_time desc
		limit 1
		for update
	`, division).Scan(&curStart)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return oncall.Record{}, fmt.Errorf("lock current record: %w", mapErr(err))
	default:
		current = &oncall.Record{StartTime: curStart.UTC()}
	}

	at := oncall.EffectiveStart(now, current).UTC()
	if current != nil {
		if _, err := l.db.ExecContext(ctx, `
			update on_call
			set end_time = $2
			where division = $1 and end_time is null
		`, division, at); err != nil {
			return oncall.Record{}, fmt.Errorf("close current record: %w", mapErr(err))
		}
	}

	rec := oncall.Record{Phone: phone, UserID: userID, Division: division, StartTime: at}
	if err := l.db.QueryRowContext(ctx, `
		insert into on_call (phone, user_id, division, start_time)
		values ($1, $2, $3, $4)
		returning id
	`, phone, userID, division, at).Scan(&rec.ID); err != nil {
		return oncall.Record{}, fmt.Errorf("open record: %w", mapErr(err))
	}
	return rec, nil
}

func (l ledger) History(ctx context.Context, division string, limit int) ([]oncall.Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		select `+recordColumns+`
		from on_call
		where division = $1
		order by start_time desc, id desc
		limit $2
	`, division, oncall.NormalizeLimit(limit))
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []oncall.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

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

type users struct{ db DBTX }

const userColumns = `id, pin_hash, phone, coalesce(name, ''), coalesce(email, ''), division, created_at, last_login`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (oncall.User, error) {
	var u oncall.User
	var created, last sql.NullTime
	if err := row.Scan(&u.ID, &u.PinHash, &u.Phone, &u.Name, &u.Email, &u.Division, &created, &last); err != nil {
		return oncall.User{}, err
	}
	if created.Valid {
		u.CreatedAt = created.Time.UTC()
	}
	u.LastLogin = timePtr(last)
	return u, nil
}

func (r users) FindByPinHash(ctx context.Context, hash string) (oncall.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where pin_hash = $1
		order by id
		limit 1
	`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return oncall.User{}, oncall.ErrNotFound
	}
	if err != nil {
		return oncall.User{}, fmt.Errorf("find user by pin hash: %w", mapErr(err))
	}
	return u, nil
}

func (r users) TouchLastLogin(ctx context.Context, userID int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `update users set last_login = $2 where id = $1`, userID, at.UTC())
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return oncall.ErrNotFound
	}
	return nil
}

func (r users) Find(ctx context.Context, id int64) (oncall.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return oncall.User{}, oncall.ErrNotFound
	}
	if err != nil {
		return oncall.User{}, mapErr(err)
	}
	return u, nil
}

func (r users) List(ctx context.Context) ([]oncall.User, error) {
	rows, err := r.db.QueryContext(ctx, `select `+userColumns+` from users order by id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []oncall.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r users) Create(ctx context.Context, u *oncall.User) error {
	if blank(u.PinHash) || blank(u.Phone) || blank(u.Division) {
		return oncall.ErrInvalidInput
	}
	var created sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		insert into users (pin_hash, phone, name, email, division)
		values ($1, $2, $3, $4, $5)
		returning id, created_at
	`, u.PinHash, u.Phone, nullString(u.Name), nullString(u.Email), u.Division).Scan(&u.ID, &created)
	if err != nil {
		return fmt.Errorf("insert user: %w", mapErr(err))
	}
	if created.Valid {
		u.CreatedAt = created.Time.UTC()
	}
	return nil
}

// Update applies the non-nil patch fields in one statement.
func (r users) Update(ctx context.Context, id int64, p oncall.UserPatch) (oncall.User, error) {
	if p.Empty() {
		return oncall.User{}, oncall.ErrInvalidInput
	}
	for _, required := range []*string{p.Phone, p.Division, p.PinHash} {
		if required != nil && blank(*required) {
			return oncall.User{}, oncall.ErrInvalidInput
		}
	}
	u, err := scanUser(r.db.QueryRowContext(ctx, `
		update users set
			phone    = coalesce($2, phone),
			name     = coalesce($3, name),
			email    = coalesce($4, email),
			division = coalesce($5, division),
			pin_hash = coalesce($6, pin_hash)
		where id = $1
		returning `+userColumns,
		id, nullPtr(p.Phone), nullPtr(p.Name), nullPtr(p.Email), nullPtr(p.Division), nullPtr(p.PinHash)))
	if errors.Is(err, sql.ErrNoRows) {
		return oncall.User{}, oncall.ErrNotFound
	}
	if err != nil {
		return oncall.User{}, fmt.Errorf("update user: %w", mapErr(err))
	}
	return u, nil
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

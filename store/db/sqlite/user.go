package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/askparrot/store"
)

func (d *DB) UpsertUser(ctx context.Context, upsert *store.UpsertUser) (*store.User, error) {
	now := time.Now().Unix()
	stmt := `INSERT INTO bot_user (id, username, first_name, last_name, registered_ts, last_seen_ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			last_seen_ts = excluded.last_seen_ts
		RETURNING id, username, first_name, last_name, registered_ts, last_seen_ts`

	user := &store.User{}
	if err := d.db.QueryRowContext(ctx, stmt, upsert.ID, upsert.Username, upsert.FirstName, upsert.LastName, now, now).Scan(
		&user.ID,
		&user.Username,
		&user.FirstName,
		&user.LastName,
		&user.RegisteredTs,
		&user.LastSeenTs,
	); err != nil {
		return nil, fmt.Errorf("failed to upsert bot_user: %w", err)
	}
	return user, nil
}

func (d *DB) ListUsers(ctx context.Context, find *store.FindUser) ([]*store.User, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		where, args = append(where, "id = ?"), append(args, *v)
	}

	query := `SELECT id, username, first_name, last_name, registered_ts, last_seen_ts
		FROM bot_user
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY last_seen_ts DESC, id ASC`
	if find.Limit != nil {
		query = fmt.Sprintf("%s LIMIT %d", query, *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bot_user: %w", err)
	}
	defer rows.Close()

	list := []*store.User{}
	for rows.Next() {
		user := &store.User{}
		if err := rows.Scan(
			&user.ID,
			&user.Username,
			&user.FirstName,
			&user.LastName,
			&user.RegisteredTs,
			&user.LastSeenTs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan bot_user: %w", err)
		}
		list = append(list, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func (d *DB) DeleteUser(ctx context.Context, delete *store.DeleteUser) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM bot_user WHERE id = ?`, delete.ID); err != nil {
		return fmt.Errorf("failed to delete bot_user: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bookgraph/bookgraph/internal/friendship"
)

// Friendships is the PostgreSQL implementation of friendship.Store.
type Friendships struct {
	pool *pgxpool.Pool
}

func NewFriendships(pool *pgxpool.Pool) *Friendships {
	return &Friendships{pool: pool}
}

func (r *Friendships) Create(ctx context.Context, f friendship.Friendship) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
		INSERT INTO friendships (id, requester_id, friend_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		f.ID, f.RequesterID, f.FriendID, f.Status, f.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return friendship.ErrConflict
			case "23503":
				return friendship.ErrNotFound
			}
		}
		return fmt.Errorf("insert friendship: %w", err)
	}

	return nil
}

func (r *Friendships) Find(ctx context.Context, id string) (friendship.Friendship, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return friendship.Friendship{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var f friendship.Friendship
	err = conn.QueryRow(ctx, `
		SELECT id, requester_id, friend_id, status, created_at
		FROM friendships
		WHERE id = $1`, id,
	).Scan(&f.ID, &f.RequesterID, &f.FriendID, &f.Status, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return friendship.Friendship{}, friendship.ErrNotFound
		}
		return friendship.Friendship{}, fmt.Errorf("query friendship: %w", err)
	}

	return f, nil
}

func (r *Friendships) UpdateStatus(ctx context.Context, id string, status friendship.Status) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
		UPDATE friendships SET status = $2 WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("update friendship status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return friendship.ErrNotFound
	}

	return nil
}

func (r *Friendships) Delete(ctx context.Context, id string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `DELETE FROM friendships WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete friendship: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return friendship.ErrNotFound
	}

	return nil
}

func (r *Friendships) ListByUserAndStatus(ctx context.Context, userID string, status friendship.Status) ([]friendship.Friendship, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
		SELECT id, requester_id, friend_id, status, created_at
		FROM friendships
		WHERE (requester_id = $1 OR friend_id = $1) AND status = $2
		ORDER BY created_at`,
		userID, status,
	)
	if err != nil {
		return nil, fmt.Errorf("list friendships: %w", err)
	}
	defer rows.Close()

	var list []friendship.Friendship
	for rows.Next() {
		var f friendship.Friendship
		if err := rows.Scan(&f.ID, &f.RequesterID, &f.FriendID, &f.Status, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan friendship: %w", err)
		}
		list = append(list, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate friendships: %w", err)
	}

	return list, nil
}

func (r *Friendships) ExistsActive(ctx context.Context, a, b string) (bool, error) {
	return r.existsBetween(ctx, a, b, []string{string(friendship.StatusPending), string(friendship.StatusAccepted)})
}

func (r *Friendships) ExistsAccepted(ctx context.Context, a, b string) (bool, error) {
	return r.existsBetween(ctx, a, b, []string{string(friendship.StatusAccepted)})
}

func (r *Friendships) existsBetween(ctx context.Context, a, b string, statuses []string) (bool, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var exists bool
	err = conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM friendships
			WHERE ((requester_id = $1 AND friend_id = $2)
			    OR (requester_id = $2 AND friend_id = $1))
			  AND status = ANY($3)
		)`,
		a, b, statuses,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query friendship existence: %w", err)
	}

	return exists, nil
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bookgraph/bookgraph/internal/identity"
)

// Users is the PostgreSQL implementation of identity.Users.
type Users struct {
	pool *pgxpool.Pool
}

func NewUsers(pool *pgxpool.Pool) *Users {
	return &Users{pool: pool}
}

func (r *Users) Find(ctx context.Context, id string) (identity.Principal, error) {
	return r.findBy(ctx, "id", id)
}

func (r *Users) FindByUsername(ctx context.Context, username string) (identity.Principal, error) {
	return r.findBy(ctx, "username", username)
}

func (r *Users) FindByEmail(ctx context.Context, email string) (identity.Principal, error) {
	return r.findBy(ctx, "email", email)
}

func (r *Users) findBy(ctx context.Context, column, value string) (identity.Principal, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return identity.Principal{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	query := fmt.Sprintf(`
		SELECT id, username, email, photo_ref, password_hash, created_at
		FROM users
		WHERE %s = $1`, column)

	var p identity.Principal
	err = conn.QueryRow(ctx, query, value).Scan(
		&p.ID, &p.Username, &p.Email, &p.PhotoRef, &p.PasswordHash, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return identity.Principal{}, identity.ErrPrincipalNotFound
		}
		return identity.Principal{}, fmt.Errorf("query user by %s: %w", column, err)
	}

	return p, nil
}

func (r *Users) Create(ctx context.Context, p identity.Principal) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
		INSERT INTO users (id, username, email, photo_ref, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Username, p.Email, p.PhotoRef, p.PasswordHash, p.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return identity.ErrAlreadyRegistered
		}
		return fmt.Errorf("insert user: %w", err)
	}

	return nil
}

func (r *Users) Update(ctx context.Context, p identity.Principal) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
		UPDATE users
		SET username = $2, email = $3, photo_ref = $4, password_hash = $5
		WHERE id = $1`,
		p.ID, p.Username, p.Email, p.PhotoRef, p.PasswordHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return identity.ErrAlreadyRegistered
		}
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return identity.ErrPrincipalNotFound
	}

	return nil
}

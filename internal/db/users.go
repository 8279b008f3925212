package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/theLastOfCats/audiosync/internal/model"
)

const userColumns = `id, email, password_hash, nickname, created_at`

func scanUser(row *sql.Row) (*model.User, error) {
	var user model.User
	var nickname sql.NullString
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &nickname, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if nickname.Valid {
		user.Nickname = &nickname.String
	}
	return &user, nil
}

func (db *DB) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return scanUser(db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email))
}

func (db *DB) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return scanUser(db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (db *DB) CreateUser(ctx context.Context, email, passwordHash string, now int64) (int64, error) {
	res, err := db.ExecContext(ctx, `INSERT INTO users (email, password_hash, created_at) VALUES (?, ?, ?)`,
		email, passwordHash, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (db *DB) UserExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", id).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

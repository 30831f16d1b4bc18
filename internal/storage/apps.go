package storage

import (
	"context"
	"database/sql"
	"time"

	"golang.org/x/xerrors"
)

// App is a registered application. Its public key selects the actor that
// serves it; the secret hash guards the diagnostic endpoints.
type App struct {
	ID         int64
	Name       string
	PublicKey  string
	SecretHash []byte
	CreatedAt  time.Time
}

// CreateApp inserts a new app. ErrAppExists is returned if publicKey is taken.
func (s *Store) CreateApp(ctx context.Context, name, publicKey string, secretHash []byte) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO apps(name, public_key, secret_hash) VALUES(?, ?, ?)`,
		name, publicKey, secretHash)
	if err != nil {
		if isConstraintError(err) {
			return 0, ErrAppExists
		}
		return 0, xerrors.Errorf("insert app: %w", err)
	}
	return result.LastInsertId()
}

// GetAppByKey fetches an app by public key. It returns nil without an error
// when no app matches.
func (s *Store) GetAppByKey(ctx context.Context, publicKey string) (*App, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, public_key, secret_hash, created_at FROM apps WHERE public_key = ?`, publicKey)
	var app App
	if err := row.Scan(&app.ID, &app.Name, &app.PublicKey, &app.SecretHash, &app.CreatedAt); err != nil {
		if xerrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, xerrors.Errorf("get app: %w", err)
	}
	return &app, nil
}

// ListApps returns every app ordered by creation.
func (s *Store) ListApps(ctx context.Context) ([]App, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, public_key, secret_hash, created_at FROM apps ORDER BY id ASC`)
	if err != nil {
		return nil, xerrors.Errorf("list apps: %w", err)
	}
	defer rows.Close()
	var apps []App
	for rows.Next() {
		var app App
		if err := rows.Scan(&app.ID, &app.Name, &app.PublicKey, &app.SecretHash, &app.CreatedAt); err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

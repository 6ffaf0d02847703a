package control

import (
	"context"
	"time"

	"rdcp/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type stateDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Schema creates the table PostgresPersister writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS rdcp_control_state (
	scope      TEXT        NOT NULL,
	category   TEXT        NOT NULL,
	enabled    BOOLEAN     NOT NULL,
	temporary  BOOLEAN     NOT NULL,
	expires_at TIMESTAMPTZ NULL,
	version    BIGINT      NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (scope, category)
)`

// PostgresPersister writes control state through to Postgres.
type PostgresPersister struct {
	DB stateDB
}

func (p *PostgresPersister) Save(ctx context.Context, e Entry) error {
	if p == nil || p.DB == nil {
		return nil
	}
	var expiresAt *time.Time
	if e.State.ExpiresAt != nil {
		t := e.State.ExpiresAt.UTC()
		expiresAt = &t
	}
	_, err := p.DB.Exec(ctx, `
		INSERT INTO rdcp_control_state (scope, category, enabled, temporary, expires_at, version)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (scope, category) DO UPDATE SET
			enabled=EXCLUDED.enabled,
			temporary=EXCLUDED.temporary,
			expires_at=EXCLUDED.expires_at,
			version=EXCLUDED.version,
			updated_at=now()
		WHERE rdcp_control_state.version < EXCLUDED.version
	`, string(e.Scope), e.Category, e.State.Enabled, e.State.Temporary, expiresAt, e.State.Version)
	return err
}

func (p *PostgresPersister) Load(ctx context.Context) ([]Entry, error) {
	if p == nil || p.DB == nil {
		return nil, nil
	}
	rows, err := p.DB.Query(ctx, `
		SELECT scope, category, enabled, temporary, expires_at, version
		FROM rdcp_control_state
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			scope     string
			e         Entry
			expiresAt *time.Time
		)
		if err := rows.Scan(&scope, &e.Category, &e.State.Enabled, &e.State.Temporary, &expiresAt, &e.State.Version); err != nil {
			return nil, err
		}
		e.Scope = models.Scope(scope)
		if expiresAt != nil {
			t := expiresAt.UTC()
			e.State.ExpiresAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

package tenant

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxStore implements Store against the control database using pgx.
type pgxStore struct {
	pool *pgxpool.Pool
}

const selectTenantColumns = `
	id, external_id, db_host, db_port, db_name, db_user, db_password,
	jwt_secret, max_concurrent_users, max_events_per_second,
	max_bytes_per_second, max_channels_per_client, max_joins_per_second,
	suspended`

func (s *pgxStore) FetchByExternalID(ctx context.Context, externalID string) (*Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectTenantColumns+` FROM tenants WHERE external_id = $1`, externalID)

	t, err := scanTenant(row)
	if err != nil {
		return nil, err
	}

	extensions, err := s.fetchExtensions(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.Extensions = extensions

	return t, nil
}

func (s *pgxStore) FetchAll(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectTenantColumns+` FROM tenants`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		extensions, err := s.fetchExtensions(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t.Extensions = extensions
		out = append(out, t)
	}

	return out, rows.Err()
}

func (s *pgxStore) fetchExtensions(ctx context.Context, tenantID string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT type, enabled FROM extensions WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant: fetch extensions for %q: %w", tenantID, err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var extType string
		var enabled bool
		if err := rows.Scan(&extType, &enabled); err != nil {
			return nil, err
		}
		out[extType] = enabled
	}

	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	t := &Tenant{}
	err := row.Scan(
		&t.ID, &t.ExternalID, &t.DBHost, &t.DBPort, &t.DBName, &t.DBUser, &t.DBPassword,
		&t.JWTSecret, &t.MaxConcurrentUsers, &t.MaxEventsPerSecond,
		&t.MaxBytesPerSecond, &t.MaxChannelsPerClient, &t.MaxJoinsPerSecond,
		&t.Suspended,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("tenant: not found")
		}
		return nil, err
	}
	return t, nil
}

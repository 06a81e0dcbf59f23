// Package tenant resolves external tenant identifiers to their connection
// parameters and feature flags, caching the result against the control
// database.
package tenant

import (
	"time"
)

// Tenant is one row of the control database's tenants table, the unit of
// isolation for every other component in the system.
type Tenant struct {
	ID               string            // internal UUID
	ExternalID       string            // client-facing slug, e.g. Host header subdomain
	DBHost           string
	DBPort           int
	DBName           string
	DBUser           string
	DBPassword       string
	JWTSecret        string
	MaxConcurrentUsers int
	MaxEventsPerSecond int
	MaxBytesPerSecond  int
	MaxChannelsPerClient int
	MaxJoinsPerSecond    int
	Suspended            bool
	Extensions           map[string]bool // enabled_extensions, e.g. "postgres_cdc_rls"
	FetchedAt            time.Time
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"

	"livebus/internal/gtfs"
)

// Catalog resolves wire route numbers to GTFS routes.
type Catalog struct {
	mu     sync.RWMutex
	routes map[int32]gtfs.Route
}

func NewCatalog(routes []gtfs.Route) *Catalog {
	c := &Catalog{}
	c.Replace(routes)
	return c
}

// Replace swaps the catalog contents. Routes without a numeric short name
// or id are skipped; the first route claiming a number keeps it.
func (c *Catalog) Replace(routes []gtfs.Route) {
	m := make(map[int32]gtfs.Route, len(routes))
	for _, r := range routes {
		n, ok := RouteNumber(r)
		if !ok {
			continue
		}
		if _, dup := m[n]; dup {
			continue
		}
		m[n] = r
	}
	c.mu.Lock()
	c.routes = m
	c.mu.Unlock()
}

func (c *Catalog) Lookup(route int32) (gtfs.Route, bool) {
	if c == nil {
		return gtfs.Route{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[route]
	return r, ok
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.routes)
}

// LoadCatalog connects to the GTFS database at dsn (resolving the latest
// import for city when set), reads the routes table and closes the pool.
func LoadCatalog(ctx context.Context, dsn, city string) (*Catalog, error) {
	if city != "" {
		var err error
		dsn, err = ResolveCityDSN(ctx, dsn, city)
		if err != nil {
			return nil, err
		}
	}
	conn, err := Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	defer conn.Close()
	if err := Ping(ctx, conn); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	routes, err := FetchRoutes(ctx, conn)
	if err != nil {
		return nil, err
	}
	c := NewCatalog(routes)
	log.Printf("route catalog: %d routes, %d with numeric labels", len(routes), c.Len())
	return c, nil
}

// ResolveCityDSN looks up the most recent successful GTFS import for city
// in the cluster's meta database and returns baseDSN pointed at it.
func ResolveCityDSN(ctx context.Context, baseDSN, city string) (string, error) {
	rootDSN, err := WithDBName(baseDSN, "postgres")
	if err != nil {
		return "", fmt.Errorf("invalid base DSN: %w", err)
	}
	meta, err := Open(rootDSN)
	if err != nil {
		return "", fmt.Errorf("db open (meta): %w", err)
	}
	defer meta.Close()
	if err := Ping(ctx, meta); err != nil {
		return "", fmt.Errorf("db ping (meta): %w", err)
	}
	name, err := latestImportDBName(ctx, meta, city)
	if err != nil {
		return "", err
	}
	log.Printf("using database %q for city %q", name, city)
	return WithDBName(baseDSN, name)
}

func latestImportDBName(ctx context.Context, meta *sql.DB, city string) (string, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return "", fmt.Errorf("city is required")
	}
	q := `
SELECT db_name
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%'
ORDER BY imported_at DESC
LIMIT 1`
	var dbName sql.NullString
	if err := meta.QueryRowContext(ctx, q, city).Scan(&dbName); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("no database found for city like %q", city)
		}
		return "", err
	}
	if !dbName.Valid || dbName.String == "" {
		return "", fmt.Errorf("empty db_name for city like %q", city)
	}
	return dbName.String, nil
}

// WithDBName returns dsn with its database path replaced. A DSN without a
// scheme is treated as postgres://.
func WithDBName(dsn, database string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("empty DSN")
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	u.Path = "/" + strings.TrimPrefix(database, "/")
	return u.String(), nil
}

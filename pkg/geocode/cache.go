package geocode

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/panda-crm/measure-engine/internal/db"
)

// Cache stores geocode results keyed by normalized address hash. Lookup
// returns (nil, nil) on a miss.
type Cache interface {
	Lookup(ctx context.Context, key string) (*Result, error)
	Store(ctx context.Context, key string, r *Result) error
}

// cacheKey returns SHA-256 hex of the normalized address.
func cacheKey(addr AddressInput) string {
	normalized := fmt.Sprintf("%s|%s|%s|%s",
		strings.ToLower(addr.Street),
		strings.ToLower(addr.City),
		strings.ToLower(addr.State),
		addr.ZipCode,
	)
	h := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", h)
}

// DBCache persists geocode results in the geocode_cache table. Cached
// non-matches are returned too so unmatched addresses do not hit upstream
// APIs on every order.
type DBCache struct {
	pool    db.Pool
	ttlDays int
}

// NewDBCache creates a DBCache. ttlDays <= 0 disables expiry.
func NewDBCache(pool db.Pool, ttlDays int) *DBCache {
	return &DBCache{pool: pool, ttlDays: ttlDays}
}

// Lookup implements Cache.
func (c *DBCache) Lookup(ctx context.Context, key string) (*Result, error) {
	query := `SELECT latitude, longitude, quality, matched FROM geocode_cache WHERE address_hash = $1`
	if c.ttlDays > 0 {
		query += fmt.Sprintf(" AND cached_at > now() - interval '%d days'", c.ttlDays)
	}

	var r Result
	if err := c.pool.QueryRow(ctx, query, key).Scan(&r.Latitude, &r.Longitude, &r.Quality, &r.Matched); err != nil {
		return nil, err // no row or scan error, caller falls through to upstream
	}

	keyPrefix := key
	if len(keyPrefix) > 12 {
		keyPrefix = keyPrefix[:12]
	}
	zap.L().Debug("geocode cache hit", zap.String("key", keyPrefix), zap.Bool("matched", r.Matched))
	return &r, nil
}

// Store implements Cache.
func (c *DBCache) Store(ctx context.Context, key string, r *Result) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO geocode_cache (address_hash, latitude, longitude, quality, matched, cached_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (address_hash) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			quality = EXCLUDED.quality,
			matched = EXCLUDED.matched,
			cached_at = now()`,
		key, r.Latitude, r.Longitude, r.Quality, r.Matched,
	)
	if err != nil {
		return eris.Wrap(err, "geocode: store cache")
	}
	return nil
}

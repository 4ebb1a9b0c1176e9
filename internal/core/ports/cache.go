package ports

import (
	"context"
	"errors"
	"time"
)

// ErrLockTimeout is matched (via errors.Is) by any failure to acquire a
// distributed lock within its timeout.
var ErrLockTimeout = errors.New("lock timeout")

// WhitelistCache is the whitelist side of the distributed cache.
type WhitelistCache interface {
	IsInWhitelist(ctx context.Context, source, value string) (bool, error)
	// IsInAnyWhitelist reports whether value is whitelisted under any of the
	// given sources, observing a single consistent snapshot.
	IsInAnyWhitelist(ctx context.Context, value string, sources ...string) (bool, error)
	AddToWhitelistBatch(ctx context.Context, source string, values []string, ttl time.Duration) error
}

package ports

import (
	"context"
	"iter"

	"github.com/hive-corporation/watchtower-pipeline/internal/core/domain"
)

// ThreatProvider is a pluggable IoC feed. Collect returns a lazy sequence that
// performs its I/O while being ranged over, so callers can publish each record
// as soon as it is parsed. A provider may yield an error for one part of its
// feed and keep going; consumers log it and continue ranging.
type ThreatProvider interface {
	Name() string
	Collect(ctx context.Context) iter.Seq2[domain.IoC, error]
}

// WhitelistProvider is a pluggable source of bare whitelist values such as
// popular domains.
type WhitelistProvider interface {
	Name() string
	Collect(ctx context.Context) iter.Seq2[string, error]
}

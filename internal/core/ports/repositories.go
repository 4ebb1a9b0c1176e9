package ports

import (
	"context"

	"github.com/hive-corporation/watchtower-pipeline/internal/core/domain"
)

// IOCRepository persists relevant IoCs. It stands in for the external storage
// collaborator: load/store plus aggregate counts.
type IOCRepository interface {
	SaveBatch(ctx context.Context, iocs []domain.IoC) error
	CountByType(ctx context.Context) (map[string]int64, error)
	CountBySource(ctx context.Context) (map[string]int64, error)
}

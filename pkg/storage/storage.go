package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/citywater/citywater/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Database defines the interface for persisting imported consumption
// statistics per meter. Meter keys come from types.Credentials.Key.
type Database interface {
	// UpsertStatistics adds or updates statistic records for a meter.
	UpsertStatistics(ctx context.Context, meterKey string, stats []types.Statistic) error

	// GetStatistics retrieves statistic records within [start, end).
	GetStatistics(ctx context.Context, meterKey string, start, end time.Time) ([]types.Statistic, error)

	// GetLatestStatisticTime retrieves the start time of the newest
	// stored statistic, or the zero time when none exist.
	GetLatestStatisticTime(ctx context.Context, meterKey string) (time.Time, error)

	// Import bookkeeping
	SetImportInfo(ctx context.Context, meterKey string, info types.ImportInfo) error
	// GetImportInfo returns the zero value when no import has run yet.
	GetImportInfo(ctx context.Context, meterKey string) (types.ImportInfo, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "memory", "Storage provider to use (available: memory, firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "memory":
			p.Database = NewMemoryProvider()
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}

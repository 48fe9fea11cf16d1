package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/citywater/citywater/pkg/log"
	"github.com/citywater/citywater/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Statistics live in a sub-collection per meter.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(meterKey string) (*firestore.CollectionRef, error) {
	if meterKey == "" {
		return nil, fmt.Errorf("meterKey cannot be empty")
	}
	return f.client.Collection("meters").Doc(meterKey).Collection("statistics"), nil
}

// UpsertStatistics adds or updates statistic records in the "statistics"
// sub-collection of the meter. The document ID is the RFC3339 timestamp
// of Start for efficient range queries.
func (f *FirestoreProvider) UpsertStatistics(ctx context.Context, meterKey string, stats []types.Statistic) error {
	coll, err := f.getCollection(meterKey)
	if err != nil {
		return err
	}

	for _, stat := range stats {
		if stat.Start.IsZero() {
			return fmt.Errorf("statistic missing start time")
		}
		jsonBytes, err := json.Marshal(stat)
		if err != nil {
			return fmt.Errorf("failed to marshal statistic: %w", err)
		}

		docID := stat.Start.UTC().Format(time.RFC3339)
		_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": stat.Start,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert statistic: %w", err)
		}
	}
	return nil
}

// GetStatistics retrieves statistic records within the specified time range.
// Uses document ID range queries for efficient filtering without reading
// all documents.
func (f *FirestoreProvider) GetStatistics(ctx context.Context, meterKey string, start, end time.Time) ([]types.Statistic, error) {
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	coll, err := f.getCollection(meterKey)
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var stats []types.Statistic
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating statistics: %w", err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "statistic doc missing json", slog.String("docID", doc.Ref.ID), slog.String("meterKey", meterKey), slog.Any("err", err))
			return nil, fmt.Errorf("statistic document %s missing 'json' field: %w", doc.Ref.ID, err)
		}

		jsonStr, ok := val.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "statistic doc json not string", slog.String("docID", doc.Ref.ID), slog.String("meterKey", meterKey))
			return nil, fmt.Errorf("statistic document %s 'json' field is not string", doc.Ref.ID)
		}

		var s types.Statistic
		if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal statistic", slog.String("docID", doc.Ref.ID), slog.String("meterKey", meterKey), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal statistic (id=%s): %w", doc.Ref.ID, err)
		}
		stats = append(stats, s)
	}
	return stats, nil
}

// GetLatestStatisticTime retrieves the start time of the last stored
// statistic for a meter.
func (f *FirestoreProvider) GetLatestStatisticTime(ctx context.Context, meterKey string) (time.Time, error) {
	coll, err := f.getCollection(meterKey)
	if err != nil {
		return time.Time{}, err
	}

	// firestore automatically creates indexes for top-level fields
	iter := coll.
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest statistic doc: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, doc.Ref.ID)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid statistic doc id %s: %w", doc.Ref.ID, err)
	}
	return ts, nil
}

// SetImportInfo saves the import bookkeeping to the meter document.
// It stores the info as a JSON string for portability.
func (f *FirestoreProvider) SetImportInfo(ctx context.Context, meterKey string, info types.ImportInfo) error {
	if meterKey == "" {
		return fmt.Errorf("meterKey cannot be empty")
	}
	jsonBytes, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal import info: %w", err)
	}

	_, err = f.client.Collection("meters").Doc(meterKey).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to save import info: %w", err)
	}
	return nil
}

// GetImportInfo retrieves the import bookkeeping from the meter document.
func (f *FirestoreProvider) GetImportInfo(ctx context.Context, meterKey string) (types.ImportInfo, error) {
	if meterKey == "" {
		return types.ImportInfo{}, fmt.Errorf("meterKey cannot be empty")
	}
	doc, err := f.client.Collection("meters").Doc(meterKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// No import has run for this meter yet
			return types.ImportInfo{}, nil
		}
		return types.ImportInfo{}, fmt.Errorf("failed to fetch meter doc: %w", err)
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "meter doc missing json", slog.String("meterKey", meterKey))
		return types.ImportInfo{}, fmt.Errorf("meter document missing 'json' field: %w", err)
	}

	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "meter doc json not string", slog.String("meterKey", meterKey))
		return types.ImportInfo{}, fmt.Errorf("meter 'json' field is not a string")
	}

	var info types.ImportInfo
	if err := json.Unmarshal([]byte(jsonStr), &info); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal import info", slog.String("meterKey", meterKey), slog.Any("err", err))
		return types.ImportInfo{}, fmt.Errorf("failed to unmarshal import info: %w", err)
	}
	return info, nil
}

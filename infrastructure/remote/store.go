// Package remote adapts the Supabase data store to the generic remote
// operation and change feed abstractions the core consumes. Nothing outside
// this package knows the wire protocol.
package remote

import (
	"context"
	"fmt"

	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"

	"sprintboard-backend/internal/resilience"
	"sprintboard-backend/pkg/errors"
)

// Store executes read queries against the Supabase Postgrest API. Results
// are returned as raw JSON; the cache treats them as opaque values and the
// dashboard frontend consumes them as-is.
type Store struct {
	client *supabase.Client
	logger *zap.Logger
}

// NewStore creates a store client for the given project URL and API key.
func NewStore(url, apiKey string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := supabase.NewClient(url, apiKey, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create supabase client")
	}

	return &Store{client: client, logger: logger}, nil
}

// Select returns an operation fetching columns from table, optionally
// filtered by one equality condition. The operation is what cache fills
// hand to the resilience executor.
func (s *Store) Select(table, columns, filterColumn, filterValue string) resilience.Operation {
	return func(ctx context.Context) (any, error) {
		query := s.client.From(table).Select(columns, "", false)
		if filterColumn != "" {
			query = query.Eq(filterColumn, filterValue)
		}

		data, _, err := query.Execute()
		if err != nil {
			s.logger.Debug("remote select failed",
				zap.String("table", table),
				zap.Error(err),
			)
			return nil, fmt.Errorf("select from %s: %w", table, err)
		}
		return data, nil
	}
}

// Count returns an operation counting rows in table with an optional
// equality filter, used by the dashboard's summary tiles.
func (s *Store) Count(table, filterColumn, filterValue string) resilience.Operation {
	return func(ctx context.Context) (any, error) {
		query := s.client.From(table).Select("id", "exact", false)
		if filterColumn != "" {
			query = query.Eq(filterColumn, filterValue)
		}

		_, count, err := query.Execute()
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		return count, nil
	}
}

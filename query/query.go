// Package query defines optional interfaces for extending stores with
// dashboard-specific query capabilities.
//
// Each interface has a single method, allowing stores to implement only what
// they need. Callers type-assert to check for support:
//
//	if counter, ok := store.(query.PendingCounter); ok {
//	    total, err := counter.CountPending(ctx, filter)
//	    // use total for pagination
//	}
//
// Stores that don't implement these interfaces still work; callers fall back
// to listing and counting.
package query

import (
	"context"

	"github.com/lirancohen/loupe/approval"
)

// PendingCounter enables efficient counting of PENDING requests.
// Implement this to support pagination totals without loading requests.
type PendingCounter interface {
	// CountPending returns the number of PENDING requests matching the filter.
	// The Limit and Offset fields are ignored for counting.
	CountPending(ctx context.Context, filter approval.PendingFilter) (int64, error)
}

// EntityQuerier enables finding audit streams by CRM entity.
// Entity correlation is stored in audit.Entry.Metadata with keys
// "entity_type" and "entity_id".
//
// Example: find every request and auto-approval that touched a sale:
//
//	streamIDs, err := querier.QueryByEntity(ctx, "sale", "sale-123")
type EntityQuerier interface {
	// QueryByEntity returns stream IDs correlated to an entity.
	// Returns an empty slice if none match.
	QueryByEntity(ctx context.Context, entityType, entityID string) ([]string, error)
}

// CountPending counts with c when store implements PendingCounter and
// otherwise lists through store.
func CountPending(ctx context.Context, store approval.RequestStore, filter approval.PendingFilter) (int64, error) {
	filter.Limit, filter.Offset = 0, 0
	if c, ok := store.(PendingCounter); ok {
		return c.CountPending(ctx, filter)
	}
	reqs, err := store.ListPending(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(reqs)), nil
}

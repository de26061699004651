package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// CascadeCoordinator drives group deletion: the group is marked
// DELETED, its memberships REMOVED and its role assignments DELETED in
// one store transaction, then the cache entries of every affected user
// are dropped before the call returns. A concurrent resolution sees the
// pre-delete state in full or the post-delete state in full, never a
// half-applied cascade.
type CascadeCoordinator struct {
	store Store
	cache *ResolutionCache
}

// NewCascadeCoordinator wires the coordinator to its store and cache.
func NewCascadeCoordinator(store Store, cache *ResolutionCache) (*CascadeCoordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if cache == nil {
		return nil, fmt.Errorf("%w: cache is required", ErrInvalidInput)
	}
	return &CascadeCoordinator{store: store, cache: cache}, nil
}

// DeleteGroup performs the cascade and returns what it touched.
// Invalidation is synchronous: by the time DeleteGroup returns, no
// stale resolution for an affected user survives in the cache.
func (cc *CascadeCoordinator) DeleteGroup(ctx context.Context, groupID string) (CascadeResult, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return CascadeResult{}, fmt.Errorf("%w: group_id is required", ErrInvalidInput)
	}
	result, err := cc.store.DeleteGroupCascade(ctx, groupID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return CascadeResult{}, err
		}
		return CascadeResult{}, fmt.Errorf("%w: cascade delete: %v", ErrUnavailable, err)
	}
	for _, userID := range result.RemovedUserIDs {
		cc.cache.Invalidate(userID, result.Group.ApplicationID)
	}
	return result, nil
}

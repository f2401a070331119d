package overrides

import (
	"context"
	"errors"
	"time"

	"github.com/geocrypt/backend/internal/circuitbreaker"
	"github.com/geocrypt/backend/internal/policy"
)

// GuardedStore fails fast with circuitbreaker.ErrCircuitOpen while the
// wrapped store keeps failing. The engine treats a failed lookup as "no
// override", so an outage degrades to standard evaluation without waiting
// on timeouts.
type GuardedStore struct {
	next    Store
	breaker *circuitbreaker.Breaker
}

// NewGuardedStore wraps next. A nil breaker gets one that opens after five
// consecutive failures and probes again after 30 seconds.
func NewGuardedStore(next Store, breaker *circuitbreaker.Breaker) *GuardedStore {
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			Name:         "overrides",
			IsSuccessful: IsHealthy,
		})
	}
	return &GuardedStore{next: next, breaker: breaker}
}

// IsHealthy reports whether err leaves the store's health unaffected.
// ErrNotFound is an answer, not a failure.
func IsHealthy(err error) bool {
	return err == nil || errors.Is(err, ErrNotFound)
}

func (s *GuardedStore) Lookup(ctx context.Context, principal string) (*policy.RemoteOverride, error) {
	return circuitbreaker.Do(ctx, s.breaker, func(ctx context.Context) (*policy.RemoteOverride, error) {
		return s.next.Lookup(ctx, principal)
	})
}

func (s *GuardedStore) Grant(ctx context.Context, principal string, expiry time.Time) (*policy.RemoteOverride, error) {
	return circuitbreaker.Do(ctx, s.breaker, func(ctx context.Context) (*policy.RemoteOverride, error) {
		return s.next.Grant(ctx, principal, expiry)
	})
}

func (s *GuardedStore) Revoke(ctx context.Context, principal string) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.next.Revoke(ctx, principal)
	})
}

/*
retry.go - The only place the core recovers errors locally

PURPOSE:
  Transient store errors (lock-wait timeouts, SQLite busy) surface as a
  retryable STORE_TIMEOUT code. RunTx retries the whole transaction up
  to StoreRetryAttempts times with exponential backoff; anything else
  propagates immediately. Closures passed to RunTx must therefore be
  safe to re-execute from scratch, which every ledger operation is: the
  previous attempt rolled back completely.
*/
package ledger

import (
	"context"
	"time"

	"github.com/warp/cashwire/core"
)

// RunTx executes fn inside a store transaction, retrying transient
// failures. Exposed so the request and event-pool engines can wrap
// their balance-touching transactions with the same policy.
func (s *Service) RunTx(ctx context.Context, fn func(core.Tx) error) error {
	backoff := core.StoreRetryBackoff
	var err error
	for attempt := 0; attempt <= core.StoreRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err = s.Store.WithTx(ctx, fn)
		if err == nil || !core.IsRetryable(err) {
			return err
		}
	}
	return core.Wrap(core.CodeStoreTimeout, err,
		"store contention persisted through %d retries", core.StoreRetryAttempts)
}

package agent

import (
	"context"
	"time"
)

// contextWithTimeout is a thin wrapper kept as a single choke point so
// every external-capability call in this package derives its deadline
// the same way.
func contextWithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}

// Package flowgate makes calls into an external workflow engine safe under
// partial failure, tenant multiplicity, and bursty load.
//
// The Controller wraps a caller-supplied unit of work with, per tenant:
// bounded jittered retries, circuit breaking with recovery probing,
// non-blocking concurrency caps, a dead letter queue with expiry, and
// replay protection for externally delivered events.
//
//	ctrl := flowgate.NewController(
//	    flowgate.WithBackoffPolicy(reliability.BackoffPolicy{
//	        BaseDelay:  100 * time.Millisecond,
//	        MaxDelay:   10 * time.Second,
//	        MaxRetries: 3,
//	    }),
//	)
//
//	err := ctrl.ExecuteWithReliability(ctx, "acme", "invoice.sync",
//	    func(ctx context.Context) error {
//	        return engine.Run(ctx, job)
//	    },
//	    flowgate.ExecuteOptions{CheckReplay: true, EventID: webhook.ID},
//	)
//
// Mechanisms live in internal/reliability; durable adapters for Postgres and
// Redis live in internal/storage.
package flowgate

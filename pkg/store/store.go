// Package store opens connections to the document stores that back lease
// collections. Each subpackage wraps one client library; the mutex executors
// build their conditional updates on top of these adapters.
package store

import "context"

// Adapter is the connection lifecycle shared by every backend. Lease executors
// delegate health checks and shutdown to it.
type Adapter interface {
	HealthCheck(ctx context.Context) error
	Close() error
}

package health

import (
	"context"
	"strings"
	"time"
)

// Checkable is implemented by store adapters and lease executors.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

const defaultCheckTimeout = 5 * time.Second

// AdapterChecker turns a Checkable into a Checker bounded by a timeout.
type AdapterChecker struct {
	name     string
	adapter  Checkable
	timeout  time.Duration
	metadata map[string]interface{}
}

// NewAdapterChecker creates a checker for adapter; a zero timeout means 5s.
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &AdapterChecker{name: name, adapter: adapter, timeout: timeout}
}

// NewStoreChecker checks the document store behind a lease collection.
// Results carry the collection name in their metadata.
func NewStoreChecker(collection string, store Checkable, timeout time.Duration) *AdapterChecker {
	checker := NewAdapterChecker("store:"+collection, store, timeout)
	checker.metadata = map[string]interface{}{"collection": collection}
	return checker
}

// Check calls HealthCheck under the checker's timeout.
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.adapter.HealthCheck(checkCtx)
	result := CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Metadata:  c.metadata,
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = ""
		result.Error = err.Error()
	}
	return result
}

func (c *AdapterChecker) Name() string { return c.name }

// PingChecker always reports healthy; it backs liveness probes.
type PingChecker struct {
	name string
}

func NewPingChecker(name string) *PingChecker {
	return &PingChecker{name: name}
}

func (c *PingChecker) Check(context.Context) CheckResult {
	return CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "alive",
		Timestamp: time.Now(),
	}
}

func (c *PingChecker) Name() string { return c.name }

// CompositeChecker reports the worst status of its sub-checks, which run in order.
type CompositeChecker struct {
	name     string
	checkers []Checker
}

func NewCompositeChecker(name string, checkers ...Checker) *CompositeChecker {
	return &CompositeChecker{name: name, checkers: checkers}
}

func (c *CompositeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status := StatusHealthy
	var failures []string
	for _, checker := range c.checkers {
		res := checker.Check(ctx)
		if res.Status.worse(status) {
			status = res.Status
		}
		if res.Status == StatusUnhealthy && res.Error != "" {
			failures = append(failures, res.Name+": "+res.Error)
		}
	}

	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	switch {
	case len(failures) > 0:
		result.Error = "sub-checks failed: " + strings.Join(failures, "; ")
	case status == StatusHealthy:
		result.Message = "all sub-checks passed"
	}
	return result
}

func (c *CompositeChecker) Name() string { return c.name }

// CustomChecker adapts a function returning (status, message, error).
type CustomChecker struct {
	name      string
	checkFunc func(ctx context.Context) (Status, string, error)
}

func NewCustomChecker(name string, checkFunc func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{name: name, checkFunc: checkFunc}
}

func (c *CustomChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.checkFunc(ctx)
	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

func (c *CustomChecker) Name() string { return c.name }

package mutex

import (
	"time"

	"github.com/nimburion/docmutex/pkg/health"
)

// NewExecutorHealthChecker reports the reachability of the executor's store.
func NewExecutorHealthChecker(exec Executor, timeout time.Duration) *health.AdapterChecker {
	return health.NewStoreChecker(exec.Collection(), exec, timeout)
}

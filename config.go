package boxing

import (
	"os"
	"strconv"
	"sync"

	"github.com/gomlx/boxing/types/boxerr"
	"k8s.io/klog/v2"
)

// ConsistencyCheckEnv is the environment variable read (with strconv.ParseBool) for the initial value of the
// consistency checking toggle, if SetConsistencyCheck is not called first.
const ConsistencyCheckEnv = "BOXING_CONSISTENCY_CHECK"

var consistencyCheck struct {
	mu      sync.Mutex
	loaded  bool
	set     bool
	enabled bool
}

// SetConsistencyCheck enables or disables consistency checking in ToConsistent: the verification of the local
// shard's dtype and physical shape, and the broadcast that synchronizes replicas.
//
// It is a process-wide setting, enabled by default, and it can only be set once: every rank must agree on it,
// since disabling it skips collectives. A second call returns an error matching boxerr.ErrConfiguration.
func SetConsistencyCheck(enabled bool) error {
	consistencyCheck.mu.Lock()
	defer consistencyCheck.mu.Unlock()
	if consistencyCheck.set {
		return boxerr.Errorf(boxerr.ErrConfiguration,
			"consistency checking already set to %v, it can only be set once", consistencyCheck.enabled)
	}
	consistencyCheck.set = true
	consistencyCheck.loaded = true
	consistencyCheck.enabled = enabled
	return nil
}

// ConsistencyCheck returns whether consistency checking is enabled.
//
// Unless SetConsistencyCheck was called, the value is read from the environment variable ConsistencyCheckEnv
// on first use, and defaults to true.
func ConsistencyCheck() bool {
	consistencyCheck.mu.Lock()
	defer consistencyCheck.mu.Unlock()
	if !consistencyCheck.loaded {
		consistencyCheck.loaded = true
		consistencyCheck.enabled = true
		if value, found := os.LookupEnv(ConsistencyCheckEnv); found {
			enabled, err := strconv.ParseBool(value)
			if err != nil {
				klog.Warningf("invalid value %q for $%s, consistency checking stays enabled: %v",
					value, ConsistencyCheckEnv, err)
			} else {
				consistencyCheck.enabled = enabled
			}
		}
	}
	return consistencyCheck.enabled
}

// resetConsistencyCheck returns the toggle to its initial state. Only for tests.
func resetConsistencyCheck() {
	consistencyCheck.mu.Lock()
	defer consistencyCheck.mu.Unlock()
	consistencyCheck.loaded = false
	consistencyCheck.set = false
	consistencyCheck.enabled = false
}

package session

import "sync"

var (
	defaultMu sync.RWMutex
	current   *Controller
)

// Default returns the process-wide controller set with SetDefault, or nil.
func Default() *Controller {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return current
}

func SetDefault(c *Controller) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	current = c
}

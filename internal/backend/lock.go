package backend

import "sync"

// The virtualenv is a write-exclusive resource. Writers (transactions,
// install sessions, fixes) hold the write side keyed by backend dir; status
// and diagnostics take the read side so they never block a writer's progress.
var (
	locksMu sync.Mutex
	locks   = map[string]*sync.RWMutex{}
)

// LockFor returns the single-writer mutex for a backend directory.
func LockFor(backendDir string) *sync.RWMutex {
	locksMu.Lock()
	defer locksMu.Unlock()
	if l, ok := locks[backendDir]; ok {
		return l
	}
	l := &sync.RWMutex{}
	locks[backendDir] = l
	return l
}

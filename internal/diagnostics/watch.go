package diagnostics

import (
	"github.com/fsnotify/fsnotify"

	"modusnapd/pkg/types"
)

// WatchMarkers invalidates the probe caches whenever the engine bootstrap
// rewrites the hardware-profile or dependency-sync markers while we run.
// Returns a stop function; a watcher that cannot start is non-fatal.
func (e *Engine) WatchMarkers(loc types.BackendLocation) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return func() {}, err
	}
	// Watch the user dir itself: the markers are replaced by rename, which
	// would detach a per-file watch.
	if err := w.Add(loc.UserDir); err != nil {
		w.Close()
		return func() {}, err
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if isMarker(ev.Name) && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					e.Log.Debug().Str("file", ev.Name).Msg("marker changed; invalidating diagnostic caches")
					e.Invalidate()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		w.Close()
	}, nil
}

func isMarker(path string) bool {
	for _, suffix := range []string{"modusnap_hardware_profile.txt", syncMarker} {
		if len(path) >= len(suffix) && path[len(path)-len(suffix):] == suffix {
			return true
		}
	}
	return false
}

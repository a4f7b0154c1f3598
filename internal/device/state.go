package device

import "sync"

// Updater computes a partial state from the current fragment of a path.
// Keys it returns override the current fragment; keys it omits are kept.
type Updater func(current State) State

// StateChangedFunc is invoked after every fragment update with the
// fragment as stored. It runs synchronously on the updating goroutine.
type StateChangedFunc func(dev Device, path string, state State)

// Replace returns an Updater that merges the given fields into the fragment.
func Replace(fields State) Updater {
	return func(State) State {
		return fields.DeepCopy()
	}
}

// deviceState holds the per-path fragments of one device.
//
// writeMu serialises updates so that the state-changed callback observes
// updates in the order they were issued. mu guards the data itself and is
// never held while user code (updater or callback) runs.
type deviceState struct {
	writeMu sync.Mutex

	mu        sync.RWMutex
	fragments map[string]State
	paths     []string // order of first write; defines merge precedence
}

func newDeviceState() *deviceState {
	return &deviceState{fragments: make(map[string]State)}
}

// merged folds every stored fragment into one state. Paths are applied in
// the order they were first written, so later paths override earlier ones
// on key collisions.
func (s *deviceState) merged() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(State)
	for _, path := range s.paths {
		for k, v := range s.fragments[path] {
			out[k] = deepCopyValue(v)
		}
	}
	return out
}

// fragment returns a copy of the stored fragment for path.
func (s *deviceState) fragment(path string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	frag, ok := s.fragments[path]
	if !ok {
		return nil, false
	}
	return frag.DeepCopy(), true
}

// pathList returns the written paths in first-write order.
func (s *deviceState) pathList() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.paths...)
}

// update applies updater to the current fragment of path (falling back to
// defaults, then to an empty state), stores the shallow merge and notifies
// onChange exactly once. The returned state is the stored fragment.
func (s *deviceState) update(dev Device, path string, defaults State, updater Updater, onChange StateChangedFunc) State {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	base, ok := s.fragment(path)
	if !ok {
		base = defaults.DeepCopy()
	}
	if base == nil {
		base = make(State)
	}

	var partial State
	if updater != nil {
		partial = updater(base.DeepCopy())
	}

	next := make(State, len(base)+len(partial))
	for k, v := range base {
		next[k] = v
	}
	for k, v := range partial {
		next[k] = v
	}

	s.mu.Lock()
	if _, exists := s.fragments[path]; !exists {
		s.paths = append(s.paths, path)
	}
	s.fragments[path] = next
	s.mu.Unlock()

	if onChange != nil {
		onChange(dev, path, next.DeepCopy())
	}

	return next.DeepCopy()
}

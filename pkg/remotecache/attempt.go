package remotecache

// State is where a task's Attempt is in its single pass through retrieve
// and store:
//
//	Unused -> Retrieved -> SkippedStore
//	Unused -> Missed -> Stored | StoreFailed
//	Unused -> RetrieveFailed -> Stored | StoreFailed
//
// There are no transitions back.
type State int

const (
	StateUnused State = iota
	StateRetrieved
	StateMissed
	StateRetrieveFailed
	StateSkippedStore
	StateStored
	StateStoreFailed
)

func (s State) String() string {
	switch s {
	case StateUnused:
		return "unused"
	case StateRetrieved:
		return "retrieved"
	case StateMissed:
		return "missed"
	case StateRetrieveFailed:
		return "retrieve-failed"
	case StateSkippedStore:
		return "skipped-store"
	case StateStored:
		return "stored"
	case StateStoreFailed:
		return "store-failed"
	default:
		return "unknown"
	}
}

// Attempt carries the state of one task invocation from Retrieve to Store.
type Attempt struct {
	hash  string
	dir   string
	state State
	keys  []string
	err   error
}

// NewAttempt returns an unused attempt for hash in the local cache dir. It
// lets a task be stored without having been looked up first.
func NewAttempt(hash, dir string) *Attempt {
	return &Attempt{hash: hash, dir: dir}
}

func (a *Attempt) Hash() string { return a.hash }
func (a *Attempt) Dir() string  { return a.dir }
func (a *Attempt) State() State { return a.state }

// Hit reports whether the task's result came from the remote cache.
func (a *Attempt) Hit() bool {
	return a.state == StateRetrieved || a.state == StateSkippedStore
}

// Keys returns the keys materialized on a hit, or uploaded by a store.
func (a *Attempt) Keys() []string {
	return a.keys
}

// Err returns the error of a failed retrieve or store.
func (a *Attempt) Err() error {
	return a.err
}

// storable reports whether Store may still upload this attempt.
func (a *Attempt) storable() bool {
	switch a.state {
	case StateUnused, StateMissed, StateRetrieveFailed:
		return true
	default:
		return false
	}
}

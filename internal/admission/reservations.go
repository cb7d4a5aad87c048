package admission

import "sync"

// reservations tracks slots held by in-flight admissions so concurrent
// requests for one owner cannot all pass the database count before any of
// them has created a row.
type reservations struct {
	mu      sync.Mutex
	byOwner map[string]int
}

func newReservations() *reservations {
	return &reservations{byOwner: make(map[string]int)}
}

// reserve takes a slot for owner and returns how many other admissions
// already held one, plus a release that is safe to call exactly once from
// a defer on every exit path.
func (r *reservations) reserve(owner string) (pendingBefore int, release func()) {
	r.mu.Lock()
	pendingBefore = r.byOwner[owner]
	r.byOwner[owner] = pendingBefore + 1
	r.mu.Unlock()

	var once sync.Once
	return pendingBefore, func() {
		once.Do(func() {
			r.mu.Lock()
			if r.byOwner[owner] <= 1 {
				delete(r.byOwner, owner)
			} else {
				r.byOwner[owner]--
			}
			r.mu.Unlock()
		})
	}
}

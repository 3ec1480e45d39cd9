package attendance

import "sync"

// lockTable hands out the two lock levels the engine needs:
//
//   - a per-session RWMutex: check-ins hold the read side while they apply,
//     finalize/cancel take the write side. Taking the write side is the
//     finalize barrier — it waits for in-flight check-ins to drain and
//     blocks new ones until the lifecycle state has been flipped.
//   - a per-(session, student) Mutex linearizing same-student check-ins so
//     two concurrent requests never interleave a read-modify-write.
//
// Locks for different students are independent; check-ins for different
// students on the same session only share the barrier's read side.
type lockTable struct {
	mu       sync.Mutex
	sessions map[string]*sessionLocks
}

type sessionLocks struct {
	barrier  sync.RWMutex
	mu       sync.Mutex
	students map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{sessions: make(map[string]*sessionLocks)}
}

func (lt *lockTable) forSession(token string) *sessionLocks {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sl, ok := lt.sessions[token]
	if !ok {
		sl = &sessionLocks{students: make(map[string]*sync.Mutex)}
		lt.sessions[token] = sl
	}
	return sl
}

// forget drops a terminal session's locks. Safe because any check-in racing
// with the drop re-reads the lifecycle state after locking and bails out.
func (lt *lockTable) forget(token string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	delete(lt.sessions, token)
}

func (sl *sessionLocks) forStudent(studentID string) *sync.Mutex {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	mu, ok := sl.students[studentID]
	if !ok {
		mu = new(sync.Mutex)
		sl.students[studentID] = mu
	}
	return mu
}

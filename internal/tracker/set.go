package tracker

import (
	"sort"
	"sync"
)

// DescendantSet is the set of live processes believed to descend from the
// root. It is safe for concurrent use; the focus loop reads its size while
// the tracker goroutine mutates it.
type DescendantSet struct {
	mu    sync.RWMutex
	procs map[int]Process
}

// NewDescendantSet creates an empty set.
func NewDescendantSet() *DescendantSet {
	return &DescendantSet{procs: make(map[int]Process)}
}

// Add inserts p, replacing any entry with the same pid. Returns false if the
// same process (pid and start time) was already present.
func (s *DescendantSet) Add(p Process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.procs[p.PID]; ok && cur.StartTime == p.StartTime {
		return false
	}
	s.procs[p.PID] = p
	return true
}

// RemoveIfSame deletes p's pid only if the entry still refers to the same
// process lifetime. A pid reused by a newer descendant is left in place.
func (s *DescendantSet) RemoveIfSame(p Process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.procs[p.PID]
	if !ok || cur.StartTime != p.StartTime {
		return false
	}
	delete(s.procs, p.PID)
	return true
}

// Has reports whether pid is a tracked descendant.
func (s *DescendantSet) Has(pid int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.procs[pid]
	return ok
}

// Len returns the number of tracked descendants.
func (s *DescendantSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.procs)
}

// Clear removes every entry and returns how many were removed.
func (s *DescendantSet) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.procs)
	s.procs = make(map[int]Process)
	return n
}

// PIDs returns the tracked pids in ascending order.
func (s *DescendantSet) PIDs() []int {
	s.mu.RLock()
	pids := make([]int, 0, len(s.procs))
	for pid := range s.procs {
		pids = append(pids, pid)
	}
	s.mu.RUnlock()

	sort.Ints(pids)
	return pids
}

// Package process owns the set of live supervised children: the
// correlation between a forked PID and the inittab entry that spawned it.
package process

import (
	"fmt"

	"github.com/mohae/deepcopy"

	"github.com/sandstone-labs/unit-init/inittab"
)

// Process is a live child record: the spawning entry's own copy plus its
// PID. It exists from successful fork to reap.
type Process struct {
	Pid    int
	Config *inittab.Entry
}

// newProcess deep-copies entry (per spec.md §3: "Process... owns a
// reference to the spawning entry's copy") so later mutation of the
// inittab's own Set is never visible to a running child's record.
func newProcess(pid int, entry *inittab.Entry) *Process {
	cfg := deepcopy.Copy(entry).(*inittab.Entry)
	return &Process{Pid: pid, Config: cfg}
}

// Table is the set of live Process records, keyed by PID. It has no
// ordering guarantees. The zero value is not usable; construct one with
// NewTable.
type Table struct {
	byPid map[int]*Process
}

// NewTable returns an empty process table.
func NewTable() *Table {
	return &Table{byPid: make(map[int]*Process)}
}

// Insert records a newly forked child. pid must be unique within the
// table.
func (t *Table) Insert(pid int, entry *inittab.Entry) *Process {
	p := newProcess(pid, entry)
	t.byPid[pid] = p
	return p
}

// Remove deletes the record for pid. It panics if pid is not a member,
// since the reaper is only ever expected to reap PIDs it forked.
func (t *Table) Remove(pid int) *Process {
	p, ok := t.byPid[pid]
	if !ok {
		panic(fmt.Sprintf("process: remove of unknown pid %d", pid))
	}
	delete(t.byPid, pid)
	return p
}

// Find looks up the record for pid, returning nil if absent.
func (t *Table) Find(pid int) *Process {
	return t.byPid[pid]
}

// FindSafeMode returns the single safe-mode placeholder record, or nil if
// none is currently live.
func (t *Table) FindSafeMode() *Process {
	for _, p := range t.byPid {
		if p.Config.Type == inittab.SafeMode {
			return p
		}
	}
	return nil
}

// Len returns the number of live processes.
func (t *Table) Len() int {
	return len(t.byPid)
}

// Each calls fn once for every live process, in unspecified order.
func (t *Table) Each(fn func(*Process)) {
	for _, p := range t.byPid {
		fn(p)
	}
}

// Drain removes and returns every live process, clearing the table.
func (t *Table) Drain() []*Process {
	out := make([]*Process, 0, len(t.byPid))
	for _, p := range t.byPid {
		out = append(out, p)
	}
	t.byPid = make(map[int]*Process)
	return out
}

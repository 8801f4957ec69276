package process

import (
	"testing"

	"github.com/sandstone-labs/unit-init/inittab"
)

func TestTableInsertFindRemove(t *testing.T) {
	tbl := NewTable()
	entry := &inittab.Entry{Order: 0, CoreID: -1, Type: inittab.Service, ProcessName: "/sbin/syslogd"}

	p := tbl.Insert(100, entry)
	if p.Pid != 100 {
		t.Fatalf("Insert returned pid %d, want 100", p.Pid)
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}

	found := tbl.Find(100)
	if found == nil || found.Pid != 100 {
		t.Fatalf("Find(100) = %+v", found)
	}
	if tbl.Find(999) != nil {
		t.Error("Find on an unknown pid should return nil")
	}

	removed := tbl.Remove(100)
	if removed.Pid != 100 {
		t.Errorf("Remove returned %+v, want pid 100", removed)
	}
	if tbl.Len() != 0 {
		t.Errorf("Len() after Remove = %d, want 0", tbl.Len())
	}
}

func TestTableInsertDeepCopiesEntry(t *testing.T) {
	tbl := NewTable()
	entry := &inittab.Entry{Order: 0, CoreID: -1, Type: inittab.Service, ProcessName: "/sbin/a"}
	p := tbl.Insert(1, entry)

	entry.ProcessName = "/sbin/mutated"
	if p.Config.ProcessName != "/sbin/a" {
		t.Errorf("Process.Config was not isolated from later mutation of the source entry: got %q", p.Config.ProcessName)
	}
}

func TestTableRemoveUnknownPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Remove of an unknown pid should panic")
		}
	}()
	NewTable().Remove(1)
}

func TestTableFindSafeMode(t *testing.T) {
	tbl := NewTable()
	tbl.Insert(1, &inittab.Entry{Order: 0, CoreID: -1, Type: inittab.Service, ProcessName: "/sbin/a"})
	if tbl.FindSafeMode() != nil {
		t.Error("FindSafeMode found a match with no safe-mode process present")
	}

	tbl.Insert(2, &inittab.Entry{Order: inittab.UnorderedOrder, CoreID: -1, Type: inittab.SafeMode, ProcessName: "/sbin/recover"})
	sm := tbl.FindSafeMode()
	if sm == nil || sm.Pid != 2 {
		t.Errorf("FindSafeMode() = %+v, want pid 2", sm)
	}
}

func TestTableEachAndDrain(t *testing.T) {
	tbl := NewTable()
	tbl.Insert(1, &inittab.Entry{Order: 0, CoreID: -1, Type: inittab.Service, ProcessName: "/sbin/a"})
	tbl.Insert(2, &inittab.Entry{Order: 0, CoreID: -1, Type: inittab.Service, ProcessName: "/sbin/b"})

	seen := map[int]bool{}
	tbl.Each(func(p *Process) { seen[p.Pid] = true })
	if !seen[1] || !seen[2] {
		t.Errorf("Each did not visit both entries: %v", seen)
	}

	drained := tbl.Drain()
	if len(drained) != 2 {
		t.Fatalf("Drain returned %d processes, want 2", len(drained))
	}
	if tbl.Len() != 0 {
		t.Errorf("Len() after Drain = %d, want 0", tbl.Len())
	}
}

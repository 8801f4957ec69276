// Package inittab loads the inittab configuration table: the declarative
// list of processes PID 1 starts, stops, and treats specially on abnormal
// death.
package inittab

import "fmt"

// EntryType tags the role an InittabEntry plays in the supervisor's
// lifecycle. The zero value is not a valid entry type.
type EntryType int

const (
	// OneShot runs once during startup and is expected to exit quickly.
	OneShot EntryType = iota + 1
	// SafeOneShot is a OneShot whose abnormal death triggers safe mode.
	SafeOneShot
	// Service runs for the lifetime of the system.
	Service
	// SafeService is a Service whose abnormal death triggers safe mode.
	SafeService
	// Shutdown runs once during the shutdown wave.
	Shutdown
	// SafeShutdown is a Shutdown entry whose abnormal death triggers safe mode.
	SafeShutdown
	// SafeMode is the single pre-forked recovery program placeholder.
	SafeMode
)

func (t EntryType) String() string {
	switch t {
	case OneShot:
		return "one-shot"
	case SafeOneShot:
		return "safe-one-shot"
	case Service:
		return "service"
	case SafeService:
		return "safe-service"
	case Shutdown:
		return "shutdown"
	case SafeShutdown:
		return "safe-shutdown"
	case SafeMode:
		return "safe-mode"
	default:
		return fmt.Sprintf("EntryType(%d)", int(t))
	}
}

// IsSafe reports whether abnormal termination of an entry of this type
// should trigger safe mode.
func (t EntryType) IsSafe() bool {
	switch t {
	case SafeOneShot, SafeService, SafeShutdown, SafeMode:
		return true
	default:
		return false
	}
}

// IsStartup reports whether this type belongs in the startup wave list.
func (t EntryType) IsStartup() bool {
	switch t {
	case OneShot, SafeOneShot, Service, SafeService:
		return true
	default:
		return false
	}
}

// IsShutdown reports whether this type belongs in the shutdown wave list.
func (t EntryType) IsShutdown() bool {
	switch t {
	case Shutdown, SafeShutdown:
		return true
	default:
		return false
	}
}

// IsOneShot reports whether this entry is expected to exit in bounded time,
// and therefore counts against a wave's pending-finish counter.
func (t EntryType) IsOneShot() bool {
	switch t {
	case OneShot, SafeOneShot, Shutdown, SafeShutdown:
		return true
	default:
		return false
	}
}

// typeNames maps the inittab file's textual type tokens to EntryType.
var typeNames = map[string]EntryType{
	"<one-shot>":      OneShot,
	"<safe-one-shot>": SafeOneShot,
	"<service>":       Service,
	"<safe-service>":  SafeService,
	"<shutdown>":      Shutdown,
	"<safe-shutdown>": SafeShutdown,
	"<safe-mode>":     SafeMode,
}

// ParseEntryType resolves an inittab type token to an EntryType.
func ParseEntryType(s string) (EntryType, error) {
	t, ok := typeNames[s]
	if !ok {
		return 0, fmt.Errorf("inittab: unknown entry type %q", s)
	}
	return t, nil
}

const (
	// MaxCttyLen is the maximum length of a ctty path field.
	MaxCttyLen = 255
	// MaxProcessLen is the maximum length of a process command-line field.
	MaxProcessLen = 4095
	// MaxLineLen is the maximum length of a single inittab line.
	MaxLineLen = 4095
	// UnorderedOrder is the sentinel "order" value meaning "no wave".
	UnorderedOrder = -1
	// AnyCore is the sentinel "core_id" value meaning "any CPU".
	AnyCore = -1
)

// Entry is a single parsed inittab line.
type Entry struct {
	// Order is the wave number this entry starts/stops in, or
	// UnorderedOrder (-1) iff Type == SafeMode.
	Order int32
	// CoreID pins the spawned process to this CPU, or AnyCore (-1).
	CoreID int32
	Type   EntryType
	// CttyPath, if non-empty, is opened as the controlling terminal for
	// the spawned process.
	CttyPath string
	// ProcessName is the raw command-line string, tokenized at spawn time.
	ProcessName string
}

// Validate checks the structural invariants that hold for every Entry
// regardless of where it came from.
func (e *Entry) Validate() error {
	if len(e.CttyPath) > MaxCttyLen {
		return fmt.Errorf("inittab: ctty path exceeds %d bytes", MaxCttyLen)
	}
	if len(e.ProcessName) > MaxProcessLen {
		return fmt.Errorf("inittab: process field exceeds %d bytes", MaxProcessLen)
	}
	if (e.Order == UnorderedOrder) != (e.Type == SafeMode) {
		return fmt.Errorf("inittab: order == -1 iff type == safe-mode (got order=%d type=%s)", e.Order, e.Type)
	}
	return nil
}

// Set is the result of loading an inittab file: three ordered,
// stably-sorted sequences ready for the supervisor to consume.
type Set struct {
	StartupList  []*Entry
	ShutdownList []*Entry
	SafeMode     *Entry
}

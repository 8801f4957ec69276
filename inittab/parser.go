package inittab

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sandstone-labs/unit-init/lexer"
)

// DefaultPath is the inittab location used when none is configured.
const DefaultPath = "/etc/inittab"

// fieldCount is the number of colon-separated fields on a valid line:
// <order>:<core_id>:<type>:<ctty>:<process>.
const fieldCount = 5

// Load reads and parses the inittab file at path, returning the three
// ordered lists the supervisor consumes. Loading fails if any line is
// malformed or if the file does not contain exactly one safe-mode entry.
func Load(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("inittab: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads inittab-formatted text from r.
func Parse(r io.Reader) (*Set, error) {
	var entries []*Entry

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), MaxLineLen+2)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if len(line) > MaxLineLen {
			return nil, fmt.Errorf("inittab: line %d exceeds %d bytes", lineNo, MaxLineLen)
		}
		if isSkippable(line) {
			continue
		}
		entry, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("inittab: line %d: %w", lineNo, err)
		}
		if err := entry.Validate(); err != nil {
			return nil, fmt.Errorf("inittab: line %d: %w", lineNo, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return nil, fmt.Errorf("inittab: line %d exceeds %d bytes", lineNo+1, MaxLineLen)
		}
		return nil, fmt.Errorf("inittab: read: %w", err)
	}

	return build(entries)
}

func isSkippable(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed == "" || strings.HasPrefix(trimmed, "#")
}

func parseLine(line string) (*Entry, error) {
	fields := lexer.SplitN(line, ':', fieldCount)
	if len(fields) != fieldCount {
		return nil, fmt.Errorf("expected %d colon-separated fields, got %d", fieldCount, len(fields))
	}

	order, err := parseOptionalInt(fields[0])
	if err != nil {
		return nil, fmt.Errorf("order field: %w", err)
	}
	coreID := int32(AnyCore)
	if strings.TrimSpace(fields[1]) != "-1" {
		coreID, err = parseOptionalInt(fields[1])
		if err != nil {
			return nil, fmt.Errorf("core_id field: %w", err)
		}
	}
	typ, err := ParseEntryType(strings.TrimSpace(fields[2]))
	if err != nil {
		return nil, err
	}
	if order == UnorderedOrder && typ != SafeMode {
		return nil, fmt.Errorf("blank order is only valid for type safe-mode, got %s", typ)
	}

	return &Entry{
		Order:       order,
		CoreID:      coreID,
		Type:        typ,
		CttyPath:    fields[3],
		ProcessName: fields[4],
	}, nil
}

// parseOptionalInt parses a field that may be blank (meaning -1).
func parseOptionalInt(field string) (int32, error) {
	trimmed := strings.TrimSpace(field)
	if trimmed == "" {
		return -1, nil
	}
	v, err := strconv.ParseInt(trimmed, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q: %w", trimmed, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("must be >= 0 or blank, got %d", v)
	}
	return int32(v), nil
}

// build sorts startup/shutdown entries by ascending order with stable
// tie-breaking, and extracts the single required safe-mode entry.
func build(entries []*Entry) (*Set, error) {
	set := &Set{}
	var startup, shutdown []*Entry

	for _, e := range entries {
		switch {
		case e.Type == SafeMode:
			if set.SafeMode != nil {
				return nil, fmt.Errorf("inittab: more than one safe-mode entry")
			}
			set.SafeMode = e
		case e.Type.IsStartup():
			startup = append(startup, e)
		case e.Type.IsShutdown():
			shutdown = append(shutdown, e)
		}
	}

	if set.SafeMode == nil {
		return nil, fmt.Errorf("inittab: no safe-mode entry present")
	}

	sort.SliceStable(startup, func(i, j int) bool { return startup[i].Order < startup[j].Order })
	sort.SliceStable(shutdown, func(i, j int) bool { return shutdown[i].Order < shutdown[j].Order })

	set.StartupList = startup
	set.ShutdownList = shutdown
	return set, nil
}

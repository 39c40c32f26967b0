package vtable

import (
	"fmt"
	"strings"
)

// Object header constants shared with the runtime.
const (
	ValTypeObject = 4
	Magic         = 0xF9
)

// ITableEntry is one interface member implemented by a class.
type ITableEntry struct {
	Idx  int // interned member id
	Name string

	// Info is the descriptor kind tag, also emitted in place of a
	// procedure pointer when ProcLabel is empty.
	Info int

	ProcLabel    string // argument-checking entry of the implementation
	SetProcLabel string // setter, for properties
}

// ClassInfo describes a class that needs a vtable.
type ClassInfo struct {
	ID            string
	ClassNo       int
	NumFields     int
	ToStringLabel string   // empty when the class has no toString
	VTable        []string // method entry labels in slot order
	ITable        []ITableEntry
}

// Options selects the pointer width and runtime features the layout
// depends on.
type Options struct {
	ShortPointers bool
	GC            bool
	VTableShift   uint
}

// Stats counts interface table buckets.
type Stats struct {
	Entries     int
	FullEntries int
}

// Add accumulates s into st.
func (st *Stats) Add(s Stats) {
	st.Entries += s.Entries
	st.FullEntries += s.FullEntries
}

// FirstMethodOffset returns the vtable word index of the first virtual
// method: the 4-word header, the memory management slots and toString.
func FirstMethodOffset(gc bool) int {
	if gc {
		return 4 + 4 + 1
	}
	return 4 + 2 + 1
}

const descSize = 8

// ToAsm renders the vtable and interface table of c.
func ToAsm(c *ClassInfo, opts Options) (string, Stats, error) {
	ids := make([]int, len(c.ITable))
	for i, e := range c.ITable {
		ids[i] = e.Idx
	}
	h, err := ComputeHashMultiplier(ids)
	if err != nil {
		return "", Stats{}, fmt.Errorf("vtable of %s: %w", c.ID, err)
	}

	ptrSz := ".word"
	if opts.ShortPointers {
		ptrSz = ".short"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "\n        .balign %d\n", 1<<opts.VTableShift)
	fmt.Fprintf(&sb, "%s_VT:\n", c.ID)
	fmt.Fprintf(&sb, "        .short %d  ; size in bytes\n", c.NumFields*4+4)
	fmt.Fprintf(&sb, "        .byte %d, %d ; magic\n", ValTypeObject, Magic)
	fmt.Fprintf(&sb, "        %s %s_IfaceVT\n", ptrSz, c.ID)
	fmt.Fprintf(&sb, "        .short %d ; class-id\n", c.ClassNo)
	sb.WriteString("        .short 0 ; reserved\n")
	fmt.Fprintf(&sb, "        .word %d ; hash-mult\n", int32(h.Mult))

	addPtr := func(n string) {
		if n != "0" {
			n += "@fn"
		}
		fmt.Fprintf(&sb, "        %s %s\n", ptrSz, n)
	}
	addPtr("pxt::RefRecord_destroy")
	addPtr("pxt::RefRecord_print")
	if opts.GC {
		addPtr("pxt::RefRecord_scan")
		addPtr("pxt::RefRecord_gcsize")
	}
	if c.ToStringLabel != "" {
		addPtr(c.ToStringLabel)
	} else {
		addPtr("0")
	}
	for _, m := range c.VTable {
		addPtr(m + "_nochk")
	}

	align := 4
	if opts.ShortPointers {
		align = 2
	}
	fmt.Fprintf(&sb, "\n        .balign %d\n%s_IfaceVT:\n", align, c.ID)

	zeroOffset := len(h.Mapping) * 2
	offset := zeroOffset
	offsets := make(map[int]int, len(c.ITable))
	var descs strings.Builder
	for _, e := range c.ITable {
		offsets[e.Idx] = offset
		fmt.Fprintf(&descs, "  .short %d, %d ; %s\n", e.Idx, e.Info, e.Name)
		if e.ProcLabel != "" {
			fmt.Fprintf(&descs, "  .word %s@fn\n", e.ProcLabel)
		} else {
			fmt.Fprintf(&descs, "  .word %d\n", e.Info)
		}
		offset += descSize
		if e.SetProcLabel != "" {
			fmt.Fprintf(&descs, "  .short %d, 0 ; set %s\n", e.Idx, e.Name)
			fmt.Fprintf(&descs, "  .word %s@fn\n", e.SetProcLabel)
			offset += descSize
		}
	}
	descs.WriteString("  .word 0, 0 ; the end\n")

	var st Stats
	buckets := make([]string, len(h.Mapping))
	for i, id := range h.Mapping {
		st.Entries++
		off := zeroOffset
		if id != 0 {
			st.FullEntries++
			off = offsets[int(id)]
		}
		// relative to the bucket's own position
		buckets[i] = fmt.Sprint(off - i*2)
	}
	sb.WriteString("  .short " + strings.Join(buckets, ", ") + "\n")
	sb.WriteString(descs.String())
	sb.WriteString("\n")

	return sb.String(), st, nil
}

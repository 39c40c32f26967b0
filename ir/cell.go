package ir

import (
	"fmt"
	"regexp"
)

// Cell is a storage location: a local, an argument, a closure capture or a
// global.
type Cell struct {
	Index int
	Name  string // declaration name; empty for compiler temporaries

	IsArg    bool
	IsCap    bool // copied-in closure capture
	IsRef    bool // holds a reference-counted heap value
	IsLocal  bool
	IsGlobal bool

	// Captured and Written describe how closures use a local.
	Captured bool
	Written  bool

	declID    int
	temporary bool
}

// IsByRefLocal reports whether the cell is a local captured by a closure
// and written after capture. Such locals live in a heap box and all their
// reference counting goes through the boxing runtime calls.
func (c *Cell) IsByRefLocal() bool {
	return c.IsLocal && c.Captured && c.Written && !c.temporary
}

// IsTemporary reports whether the cell was introduced by the compiler.
func (c *Cell) IsTemporary() bool { return c.temporary }

func (c *Cell) refCountingHandledHere() bool {
	return c.IsRef && !c.IsByRefLocal()
}

func (c *Cell) String() string {
	n := c.Name
	if n == "" && !c.temporary {
		n = "?"
	}
	if c.IsArg {
		n = "ARG " + n
	}
	return "[" + n + "]"
}

var nonWord = regexp.MustCompile(`[^\w]`)

// UniqueName returns an assembler-safe name. Argument names stay stable
// across overrides.
func (c *Cell) UniqueName() string {
	if c.IsArg {
		return fmt.Sprintf("arg%d", c.Index)
	}
	if c.temporary {
		return fmt.Sprintf("%s___U%d", c.Name, c.Index)
	}
	return fmt.Sprintf("%s___%d", nonWord.ReplaceAllString(c.Name, "_"), c.declID)
}

// LoadCore returns a raw read of the cell.
func (c *Cell) LoadCore() Expr {
	return &CellRef{Cell: c}
}

// Load returns a read of the cell with its reference counting applied:
// boxed locals are unboxed by the runtime, ref-counted cells get an Incr.
func (c *Cell) Load() Expr {
	r := c.LoadCore()
	if c.IsByRefLocal() {
		return RtCall("pxtrt::ldlocRef", []Expr{r}, 0)
	}
	if c.refCountingHandledHere() {
		return &Incr{X: r}
	}
	return r
}

// StoreDirect returns a raw write of src into the cell.
func (c *Cell) StoreDirect(src Expr) Expr {
	return &Store{Target: c.LoadCore(), Value: src}
}

// StoreByRef returns a write of src into the cell that releases the old
// value. The new value is stashed first so a src that reads the cell itself
// still sees the old value before it is released.
func (c *Cell) StoreByRef(src Expr) Expr {
	if c.IsByRefLocal() {
		return RtCall("pxtrt::stlocRef", []Expr{c.LoadCore(), src}, 0)
	}
	if c.refCountingHandledHere() {
		tmp := MkShared(src)
		return &Sequence{Items: []Expr{
			&Decr{X: tmp},
			&Decr{X: c.LoadCore()},
			c.StoreDirect(tmp),
		}}
	}
	return c.StoreDirect(src)
}

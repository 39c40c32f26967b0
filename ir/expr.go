// Package ir holds the intermediate representation procedures are lowered
// to before assembly: expression trees with explicit sharing, statements,
// storage cells, and the one-shot Resolve pass that finalizes a procedure.
package ir

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Expression nodes
// ---------------------------------------------------------------------------

// Expr is the interface implemented by all expression nodes.
type Expr interface {
	exprNode() // marker method
	String() string
}

// CallingConvention selects how a call's result is delivered.
type CallingConvention int

const (
	ConvPlain CallingConvention = iota
	ConvAsync
	ConvPromise
)

// MaskInfo marks which call arguments are reference counted and how they
// must be converted.
type MaskInfo struct {
	RefMask     uint32
	Conversions []ConvInfo
}

// ConvInfo describes a per-argument conversion applied before a call.
type ConvInfo struct {
	ArgIdx     int
	Method     string
	ReturnsRef bool
}

// FieldInfo is the metadata attached to a field read.
type FieldInfo struct {
	Name  string
	Index int
}

// ProcID names the target of a procedure call. Exactly one of Proc,
// VirtualIndex and IfaceIndex identifies the callee.
type ProcID struct {
	Proc         *Procedure
	VirtualIndex int // -1 when not a virtual call
	IfaceIndex   int // -1 when not an interface call
	MapMethod    string
	IsThis       bool
}

type NumberLiteral struct{ Value int64 }

type PointerLiteral struct {
	Label    string
	DebugTag string
}

type RuntimeCall struct {
	Name string
	Args []Expr
	Conv CallingConvention
	Mask *MaskInfo
}

type ProcCall struct {
	Callee ProcID
	Args   []Expr
	Conv   CallingConvention
}

// Shared is the operand of a SharedDef/SharedRef pair. It is evaluated once
// and read by every reference that points at it.
type Shared struct {
	X Expr

	// Bookkeeping filled in by Resolve. During the ref/def rewrite
	// TotalUses holds the negated reference count; after counting it is the
	// number of executed uses (the def included).
	TotalUses  int
	CurrUses   int
	irCurrUses int

	id int64
}

var sharedIDs atomic.Int64

// ID returns a stable identifier for debug dumps.
func (s *Shared) ID() int64 {
	if s.id == 0 {
		s.id = sharedIDs.Add(1)
	}
	return s.id
}

// SharedRef reads a shared operand. NoIncr references never get a
// reference-count increment inserted.
type SharedRef struct {
	S      *Shared
	NoIncr bool
}

// SharedDef evaluates a shared operand and keeps it for later references.
type SharedDef struct {
	S      *Shared
	NoIncr bool
}

type FieldAccess struct {
	X     Expr
	Field FieldInfo
}

type Store struct {
	Target Expr
	Value  Expr
}

type CellRef struct{ Cell *Cell }

type Incr struct{ X Expr }
type Decr struct{ X Expr }

// Sequence evaluates its items in order; its value is the last one.
type Sequence struct{ Items []Expr }

// JmpValue reads the value carried by the last jump.
type JmpValue struct{}

type Nop struct{}

type InstanceOf struct {
	X     Expr
	Class string
}

func (*NumberLiteral) exprNode()  {}
func (*PointerLiteral) exprNode() {}
func (*RuntimeCall) exprNode()    {}
func (*ProcCall) exprNode()       {}
func (*SharedRef) exprNode()      {}
func (*SharedDef) exprNode()      {}
func (*FieldAccess) exprNode()    {}
func (*Store) exprNode()          {}
func (*CellRef) exprNode()        {}
func (*Incr) exprNode()           {}
func (*Decr) exprNode()           {}
func (*Sequence) exprNode()       {}
func (*JmpValue) exprNode()       {}
func (*Nop) exprNode()            {}
func (*InstanceOf) exprNode()     {}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// NumLit returns a number literal.
func NumLit(v int64) Expr { return &NumberLiteral{Value: v} }

// BoolLit returns 1 or 0.
func BoolLit(b bool) Expr {
	if b {
		return NumLit(1)
	}
	return NumLit(0)
}

// PtrLit returns a pointer to a labelled literal.
func PtrLit(label, debugTag string) Expr {
	return &PointerLiteral{Label: label, DebugTag: debugTag}
}

// RtCall returns a plain runtime call. A non-zero mask marks reference
// counted arguments.
func RtCall(name string, args []Expr, mask uint32) *RuntimeCall {
	r := &RuntimeCall{Name: name, Args: args}
	if mask != 0 {
		r.Mask = &MaskInfo{RefMask: mask}
	}
	return r
}

// RtCallMask returns a runtime call with an explicit convention. A name
// prefixed with "@nomask@" drops the mask.
func RtCallMask(name string, mask uint32, conv CallingConvention, args []Expr) *RuntimeCall {
	if strings.HasPrefix(name, "@nomask@") {
		name = name[len("@nomask@"):]
		mask = 0
	}
	r := RtCall(name, args, mask)
	r.Conv = conv
	return r
}

func sharedCore(e Expr, noIncr bool) Expr {
	switch n := e.(type) {
	case *SharedRef:
		return &SharedRef{S: n.S, NoIncr: noIncr}
	case *NumberLiteral:
		return e
	}
	return &SharedRef{S: &Shared{X: e}, NoIncr: noIncr}
}

// MkShared wraps e so it is evaluated once and may be referenced several
// times. Number literals are returned unchanged; wrapping an existing reference
// points at the same operand.
func MkShared(e Expr) Expr { return sharedCore(e, false) }

// MkSharedNoIncr is MkShared for references that must not bump the
// reference count of the operand.
func MkSharedNoIncr(e Expr) Expr { return sharedCore(e, true) }

// Call returns a direct call of proc.
func Call(proc *Procedure, args []Expr) *ProcCall {
	return &ProcCall{Callee: ProcID{Proc: proc, VirtualIndex: -1, IfaceIndex: -1}, Args: args}
}

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

// IsLiteral reports whether e is a number or pointer literal.
func IsLiteral(e Expr) bool {
	switch e.(type) {
	case *NumberLiteral, *PointerLiteral:
		return true
	}
	return false
}

// IsStateless reports whether evaluating e has no effect and no cost worth
// keeping.
func IsStateless(e Expr) bool {
	switch e.(type) {
	case *NumberLiteral, *PointerLiteral, *SharedRef:
		return true
	}
	return false
}

// IsPure reports whether e may be dropped when its value is unused.
func IsPure(e Expr) bool {
	if IsStateless(e) {
		return true
	}
	_, ok := e.(*CellRef)
	return ok
}

// CanUpdateCells reports whether evaluating e may write a storage cell.
func CanUpdateCells(e Expr) bool {
	switch n := e.(type) {
	case *NumberLiteral, *PointerLiteral, *CellRef, *JmpValue, *SharedRef, *Nop:
		return false
	case *SharedDef:
		return CanUpdateCells(n.S.X)
	case *Incr:
		return CanUpdateCells(n.X)
	case *Decr:
		return CanUpdateCells(n.X)
	case *FieldAccess:
		return CanUpdateCells(n.X)
	case *InstanceOf:
		return CanUpdateCells(n.X)
	default:
		return true
	}
}

// noRefCount reports whether e never yields a reference-counted value, so
// Incr/Decr around it can be dropped.
func noRefCount(e Expr) bool {
	switch n := e.(type) {
	case *Sequence:
		if len(n.Items) == 0 {
			return true
		}
		return noRefCount(n.Items[len(n.Items)-1])
	case *NumberLiteral:
		return true
	case *RuntimeCall:
		return n.Name == "String_::mkEmpty" || n.Name == "pxt::ptrOfLiteral"
	case *SharedDef:
		return noRefCount(n.S.X)
	case *SharedRef:
		return noRefCount(n.S.X)
	}
	return false
}

// ---------------------------------------------------------------------------
// Traversal
// ---------------------------------------------------------------------------

// mapChildren replaces each direct child c of e with f(c). A SharedRef has
// no children; a SharedDef's child is its operand.
func mapChildren(e Expr, f func(Expr) Expr) {
	switch n := e.(type) {
	case *RuntimeCall:
		for i := range n.Args {
			n.Args[i] = f(n.Args[i])
		}
	case *ProcCall:
		for i := range n.Args {
			n.Args[i] = f(n.Args[i])
		}
	case *SharedDef:
		n.S.X = f(n.S.X)
	case *FieldAccess:
		n.X = f(n.X)
	case *Store:
		n.Target = f(n.Target)
		n.Value = f(n.Value)
	case *Incr:
		n.X = f(n.X)
	case *Decr:
		n.X = f(n.X)
	case *Sequence:
		for i := range n.Items {
			n.Items[i] = f(n.Items[i])
		}
	case *InstanceOf:
		n.X = f(n.X)
	}
}

// Walk calls f for e and every expression below it, following shared
// operands only through their SharedDef.
func Walk(e Expr, f func(Expr)) {
	f(e)
	mapChildren(e, func(c Expr) Expr {
		Walk(c, f)
		return c
	})
}

// ---------------------------------------------------------------------------
// Dumping
// ---------------------------------------------------------------------------

func (n *NumberLiteral) String() string  { return fmt.Sprint(n.Value) }
func (n *PointerLiteral) String() string { return n.Label }
func (n *JmpValue) String() string       { return "JMPVALUE" }
func (n *Nop) String() string            { return "NOP" }
func (n *CellRef) String() string        { return n.Cell.String() }

func (n *SharedRef) String() string {
	return fmt.Sprintf("SHARED_REF(#%d)", n.S.ID())
}

func (n *SharedDef) String() string {
	return fmt.Sprintf("SHARED_DEF(#%d: %s)", n.S.ID(), n.S.X)
}

func (n *Incr) String() string { return "INCR(" + n.X.String() + ")" }
func (n *Decr) String() string { return "DECR(" + n.X.String() + ")" }

func (n *FieldAccess) String() string { return n.X.String() + "." + n.Field.Name }

func (n *RuntimeCall) String() string { return n.Name + "(" + joinExprs(n.Args, ", ") + ")" }

func (n *ProcCall) String() string {
	var name string
	switch {
	case n.Callee.IfaceIndex >= 0:
		name = fmt.Sprintf("IFACE@%d", n.Callee.IfaceIndex)
	case n.Callee.VirtualIndex >= 0:
		name = fmt.Sprintf("VTABLE@%d", n.Callee.VirtualIndex)
	case n.Callee.Proc != nil:
		name = n.Callee.Proc.Name
	default:
		name = "?"
	}
	return name + "(" + joinExprs(n.Args, ", ") + ")"
}

func (n *Sequence) String() string { return "(" + joinExprs(n.Items, "; ") + ")" }

func (n *InstanceOf) String() string {
	return "(" + n.X.String() + " instanceof " + n.Class + ")"
}

func (n *Store) String() string {
	return "{ " + n.Target.String() + " := " + n.Value.String() + " }"
}

func joinExprs(es []Expr, sep string) string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.String()
	}
	return strings.Join(parts, sep)
}

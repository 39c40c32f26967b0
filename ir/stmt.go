package ir

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Statement nodes
// ---------------------------------------------------------------------------

// Stmt is the interface implemented by all statement nodes.
type Stmt interface {
	stmtNode() // marker method
	String() string

	// StmtNo is the statement's position in a resolved body.
	StmtNo() int
	setStmtNo(int)
}

type stmtBase struct{ no int }

func (b *stmtBase) StmtNo() int      { return b.no }
func (b *stmtBase) setStmtNo(no int) { b.no = no }

// JmpMode is the condition under which a jump is taken.
type JmpMode int

const (
	JmpAlways JmpMode = iota + 1
	JmpIfZero
	JmpIfNotZero
	JmpIfJmpValEq // compares against the implicit return register
	JmpIfLambda
)

// ExprStmt evaluates an expression for its effect.
type ExprStmt struct {
	stmtBase
	X Expr
}

// Label is a jump target, unique within its procedure.
type Label struct {
	stmtBase
	Name      string
	NumUses   int
	StackSize int

	// Jumps lists the jump sites targeting this label (set by Resolve).
	Jumps []*Jmp
}

// Jmp branches to a label. For JmpAlways, Value (if any) becomes the jump
// value; for the conditional modes it is the tested expression.
type Jmp struct {
	stmtBase
	LabelName string
	Target    *Label
	Mode      JmpMode
	Value     Expr

	// Terminate is an expression no longer used after this jump.
	Terminate Expr
}

// StackEmpty marks a point with no live temporaries.
type StackEmpty struct{ stmtBase }

// BreakpointInfo is the debugger-facing description of a breakpoint.
type BreakpointInfo struct {
	ID             int
	FileName       string
	Line           int
	Column         int
	IsDebuggerStmt bool

	// Successors lists the ids of the breakpoints that may be hit next
	// (set by Resolve).
	Successors []int
	BinAddr    uint32
}

// Breakpoint marks a debugger stop location.
type Breakpoint struct {
	stmtBase
	Info *BreakpointInfo
}

func (*ExprStmt) stmtNode()   {}
func (*Label) stmtNode()      {}
func (*Jmp) stmtNode()        {}
func (*StackEmpty) stmtNode() {}
func (*Breakpoint) stmtNode() {}

func (s *ExprStmt) String() string { return "    " + s.X.String() + "\n" }
func (s *Label) String() string    { return s.Name + ":\n" }
func (*StackEmpty) String() string { return "    ;\n" }

func (s *Breakpoint) String() string {
	return fmt.Sprintf("    // brk %d\n", s.Info.ID)
}

func (s *Jmp) String() string {
	inner := "{null}"
	if s.Value != nil {
		inner = s.Value.String()
	}
	fin := "goto " + s.LabelName + "\n"
	switch s.Mode {
	case JmpAlways:
		if s.Value != nil {
			return "    { JMPVALUE := " + inner + " } " + fin
		}
		return "    " + fin
	case JmpIfZero:
		return "    if (! " + inner + ") " + fin
	case JmpIfNotZero:
		return "    if (" + inner + ") " + fin
	case JmpIfJmpValEq:
		return "    if (r0 == " + inner + ") " + fin
	case JmpIfLambda:
		return "    if (LAMBDA) return " + inner + "\n"
	default:
		return fmt.Sprintf("    jmp(%d) %s", int(s.Mode), fin)
	}
}

// stmtExpr returns a pointer to the expression slot of s, or nil when the
// statement carries none.
func stmtExpr(s Stmt) *Expr {
	switch n := s.(type) {
	case *ExprStmt:
		return &n.X
	case *Jmp:
		if n.Value != nil {
			return &n.Value
		}
	}
	return nil
}

func bodyString(body []Stmt) string {
	var sb strings.Builder
	for _, s := range body {
		sb.WriteString(s.String())
	}
	return sb.String()
}

package ir

import (
	"fmt"

	"github.com/chazu/flashlink/diag"
)

// Procedure is a function body under construction. Statements are emitted
// in declaration order and the procedure is finalized once with Resolve.
type Procedure struct {
	Name     string
	Location string // "file:line" for size reports; empty for inline code
	SeqNo    int
	IsRoot   bool
	NumArgs  int

	Locals   []*Cell
	Captured []*Cell
	Args     []*Cell

	// Parent is the enclosing procedure of a closure.
	Parent *Procedure

	Body []Stmt

	lblNo    int
	declNo   int
	tempNo   int
	resolved bool
}

// NewProcedure returns an empty procedure.
func NewProcedure(name string, seqNo int) *Procedure {
	return &Procedure{Name: name, SeqNo: seqNo}
}

// Label returns the assembly label of the procedure entry.
func (p *Procedure) Label() string {
	name := p.Name
	if name == "" {
		name = "inline"
	}
	return fmt.Sprintf("%s__P%d", nonWord.ReplaceAllString(name, "_"), p.SeqNo)
}

// VTLabel returns the label of the argument-checking entry used in vtables.
func (p *Procedure) VTLabel() string {
	return p.Label() + "_args"
}

// FullName returns the name with its source location, when known.
func (p *Procedure) FullName() string {
	if p.Location == "" {
		return p.displayName()
	}
	return p.displayName() + " " + p.Location
}

func (p *Procedure) displayName() string {
	if p.Name == "" {
		return "inline"
	}
	return p.Name
}

func (p *Procedure) String() string {
	return "\nPROC " + p.displayName() + "\n" + bodyString(p.Body) + "\n"
}

// Reset clears the body and cells so the procedure can be rebuilt.
func (p *Procedure) Reset() {
	p.Body = nil
	p.lblNo = 0
	p.Locals = nil
	p.Captured = nil
	p.Args = nil
	p.resolved = false
}

// Emit appends a statement.
func (p *Procedure) Emit(s Stmt) {
	p.Body = append(p.Body, s)
}

// EmitExpr appends an expression statement.
func (p *Procedure) EmitExpr(e Expr) {
	p.Emit(&ExprStmt{X: e})
}

// MkLabel returns a fresh label, unique within the procedure.
func (p *Procedure) MkLabel(name string) *Label {
	l := &Label{Name: fmt.Sprintf(".%s_%d_%d", name, p.lblNo, p.SeqNo)}
	p.lblNo++
	return l
}

// EmitLabel appends a label made with MkLabel.
func (p *Procedure) EmitLabel(l *Label) {
	p.Emit(l)
}

// EmitLabelDirect appends a label with an exact name.
func (p *Procedure) EmitLabelDirect(name string) *Label {
	l := &Label{Name: name}
	p.Emit(l)
	return l
}

// EmitJmp appends a jump to target. value is the jump value or the tested
// expression depending on mode.
func (p *Procedure) EmitJmp(target *Label, value Expr, mode JmpMode) {
	p.Emit(&Jmp{LabelName: target.Name, Target: target, Mode: mode, Value: value})
}

// EmitJmpTo appends a jump to a label referenced by name only; the label
// is looked up by Resolve.
func (p *Procedure) EmitJmpTo(name string, value Expr, mode JmpMode) {
	p.Emit(&Jmp{LabelName: name, Mode: mode, Value: value})
}

// EmitJmpZ appends a jump taken when cond is zero.
func (p *Procedure) EmitJmpZ(target *Label, cond Expr) {
	p.EmitJmp(target, cond, JmpIfZero)
}

// EmitJmpTerminate appends a jump after which terminate is no longer used.
// Number literals never need terminating.
func (p *Procedure) EmitJmpTerminate(target *Label, value Expr, mode JmpMode, terminate Expr) {
	if _, ok := terminate.(*NumberLiteral); ok {
		terminate = nil
	}
	p.Emit(&Jmp{LabelName: target.Name, Target: target, Mode: mode, Value: value, Terminate: terminate})
}

// StackEmpty appends a no-live-temporaries marker.
func (p *Procedure) StackEmpty() {
	p.Emit(&StackEmpty{})
}

// EmitBreakpoint appends a breakpoint.
func (p *Procedure) EmitBreakpoint(info *BreakpointInfo) {
	p.Emit(&Breakpoint{Info: info})
}

// MkLocal adds a named local cell.
func (p *Procedure) MkLocal(name string) *Cell {
	p.declNo++
	c := &Cell{Index: len(p.Locals), Name: name, IsLocal: true, declID: p.declNo}
	p.Locals = append(p.Locals, c)
	return c
}

// MkLocalUnnamed adds a compiler temporary.
func (p *Procedure) MkLocalUnnamed() *Cell {
	c := &Cell{
		Index:     len(p.Locals),
		Name:      fmt.Sprintf("unnamed%d", p.tempNo),
		IsLocal:   true,
		temporary: true,
	}
	p.tempNo++
	p.Locals = append(p.Locals, c)
	return c
}

// MkArg adds an argument cell.
func (p *Procedure) MkArg(name string) *Cell {
	p.declNo++
	c := &Cell{Index: len(p.Args), Name: name, IsArg: true, declID: p.declNo}
	p.Args = append(p.Args, c)
	p.NumArgs = len(p.Args)
	return c
}

// MkCaptured adds a closure capture cell.
func (p *Procedure) MkCaptured(name string) *Cell {
	p.declNo++
	c := &Cell{Index: len(p.Captured), Name: name, IsCap: true, declID: p.declNo}
	p.Captured = append(p.Captured, c)
	return c
}

// LocalIndex finds the cell declared with name, searching captures, then
// locals, then (unless noArgs) arguments.
func (p *Procedure) LocalIndex(name string, noArgs bool) *Cell {
	for _, c := range p.Captured {
		if c.Name == name {
			return c
		}
	}
	for _, c := range p.Locals {
		if c.Name == name {
			return c
		}
	}
	if !noArgs {
		for _, c := range p.Args {
			if c.Name == name {
				return c
			}
		}
	}
	return nil
}

// EmitClrIfRef releases the value held in a local.
func (p *Procedure) EmitClrIfRef(c *Cell) error {
	if c.IsGlobal || c.IsCap {
		return diag.Oops("clearing non-local cell %s", c)
	}
	p.EmitExpr(&Decr{X: c.LoadCore()})
	return nil
}

// EmitClrs releases every local before the procedure returns. Root
// procedures keep their locals alive as globals.
func (p *Procedure) EmitClrs() error {
	if p.IsRoot {
		return nil
	}
	for _, c := range p.Locals {
		if err := p.EmitClrIfRef(c); err != nil {
			return err
		}
	}
	return nil
}

package ir

import (
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/flashlink/diag"
)

var log = commonlog.GetLogger("flashlink.ir")

// Resolved is a finalized procedure body. It is produced once per
// Procedure by Resolve and is what the assembly generator consumes.
type Resolved struct {
	Proc        *Procedure
	Body        []Stmt
	Labels      map[string]*Label
	Breakpoints map[int]*BreakpointInfo
}

func (r *Resolved) String() string {
	return "\nPROC " + r.Proc.displayName() + "\n" + bodyString(r.Body) + "\n"
}

// resolver carries the first error raised by the rewrite passes.
type resolver struct {
	err error
}

func (r *resolver) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Resolve finalizes the procedure. It works on a copy of the body, so the
// building form stays untouched, and may be called only once.
//
// Passes, in order: the first reference to each shared operand becomes its
// definition; peephole rewriting; removal of pure expression statements;
// label/jump linking; use counting with invariant checks and insertion of
// reference-count increments on non-final shared uses; breakpoint successor
// computation.
func (p *Procedure) Resolve() (*Resolved, error) {
	if p.resolved {
		return nil, diag.Oops("procedure %s resolved twice", p.displayName())
	}
	p.resolved = true

	r := &resolver{}
	body := cloneBody(p.Body)

	kept := body[:0]
	for _, s := range body {
		if slot := stmtExpr(s); slot != nil {
			*slot = r.opt(r.refdef(*slot))
			if _, ok := s.(*ExprStmt); ok && IsPure(*slot) {
				continue
			}
		}
		kept = append(kept, s)
	}
	body = kept
	if r.err != nil {
		return nil, r.err
	}

	res := &Resolved{
		Proc:        p,
		Body:        body,
		Labels:      make(map[string]*Label),
		Breakpoints: make(map[int]*BreakpointInfo),
	}
	for i, s := range body {
		s.setStmtNo(i)
		if l, ok := s.(*Label); ok {
			res.Labels[l.Name] = l
		}
	}

	for _, s := range body {
		if slot := stmtExpr(s); slot != nil {
			*slot = r.cntuses(*slot)
		}
		if j, ok := s.(*Jmp); ok {
			l := res.Labels[j.LabelName]
			if l == nil {
				return nil, diag.Oops("missing label: %s", j.LabelName)
			}
			j.Target = l
			l.NumUses++
			l.Jumps = append(l.Jumps, j)
		}
	}
	if r.err != nil {
		return nil, r.err
	}

	for _, s := range body {
		if slot := stmtExpr(s); slot != nil {
			*slot = r.opt(r.sharedincr(*slot))
		}
		if b, ok := s.(*Breakpoint); ok {
			res.Breakpoints[b.Info.ID] = b.Info
		}
	}
	if r.err != nil {
		return nil, r.err
	}

	if err := res.VerifySharing(); err != nil {
		return nil, err
	}

	res.computeSuccessors()

	log.Debugf("resolved:%s", res)
	return res, nil
}

// refdef turns the first reference to each shared operand into its
// definition. Afterwards TotalUses holds the negated reference count.
func (r *resolver) refdef(e Expr) Expr {
	switch n := e.(type) {
	case *SharedDef:
		r.fail(diag.Oops("shared definition #%d before resolve", n.S.ID()))
		return e
	case *SharedRef:
		s := n.S
		if s.TotalUses == 0 {
			s.TotalUses = -1
			s.CurrUses = 0
			s.irCurrUses = 0
			s.X = r.refdef(s.X)
			return &SharedDef{S: s, NoIncr: n.NoIncr}
		}
		s.TotalUses--
		return e
	}
	mapChildren(e, r.refdef)
	return e
}

// opt collapses Decr(Incr(x)), drops refcount adjustments of values that
// are never reference counted, and drops all-but-last pure items of a
// sequence.
func (r *resolver) opt(e Expr) Expr {
	if _, ok := e.(*SharedRef); ok {
		return e
	}
	mapChildren(e, r.opt)

	switch n := e.(type) {
	case *Incr:
		if noRefCount(n.X) {
			return n.X
		}
	case *Decr:
		if noRefCount(n.X) {
			return n.X
		}
		if inc, ok := n.X.(*Incr); ok {
			return inc.X
		}
	case *Sequence:
		last := len(n.Items) - 1
		items := make([]Expr, 0, len(n.Items))
		for i, a := range n.Items {
			if i != last && IsPure(a) {
				// once uses are counted, dropping a reference lowers the count
				if ref, ok := a.(*SharedRef); ok && ref.S.TotalUses > 0 {
					ref.S.TotalUses--
				}
				continue
			}
			items = append(items, a)
		}
		n.Items = items
	}
	return e
}

// cntuses counts uses for real: a definition starts at one and every
// reference adds one. Definitions never referenced are stripped.
func (r *resolver) cntuses(e Expr) Expr {
	switch n := e.(type) {
	case *SharedDef:
		s := n.S
		if err := diag.Assert(s.TotalUses < 0 && s.CurrUses == 0,
			fmt.Sprintf("shared #%d: fresh definition (totalUses=%d currUses=%d)", s.ID(), s.TotalUses, s.CurrUses)); err != nil {
			r.fail(err)
			return e
		}
		if s.TotalUses == -1 {
			return r.cntuses(s.X)
		}
		s.TotalUses = 1
	case *SharedRef:
		if n.S.TotalUses <= 0 {
			r.fail(diag.Oops("shared #%d: reference not dominated by its definition", n.S.ID()))
			return e
		}
		n.S.TotalUses++
		return e
	}
	mapChildren(e, r.cntuses)
	return e
}

// sharedincr wraps every shared use except the final one in an Incr, so
// each consumer owns a reference. Single-use definitions are unwrapped.
func (r *resolver) sharedincr(e Expr) Expr {
	var s *Shared
	var noIncr, isDef bool

	switch n := e.(type) {
	case *SharedDef:
		mapChildren(e, r.sharedincr)
		s, noIncr, isDef = n.S, n.NoIncr, true
	case *SharedRef:
		s, noIncr = n.S, n.NoIncr
	default:
		mapChildren(e, r.sharedincr)
		return e
	}

	if s.TotalUses <= 0 {
		r.fail(diag.Oops("shared #%d: use with totalUses=%d", s.ID(), s.TotalUses))
		return e
	}
	if s.TotalUses == 1 {
		if !isDef {
			r.fail(diag.Oops("shared #%d: single use is a reference", s.ID()))
			return e
		}
		return s.X
	}
	s.irCurrUses++
	if noIncr || s.irCurrUses == s.TotalUses {
		return e
	}
	return &Incr{X: e}
}

// VerifySharing checks that every shared reference follows its definition
// and that each operand's recorded use count equals its definition plus
// its references.
func (res *Resolved) VerifySharing() error {
	defined := make(map[*Shared]bool)
	refs := make(map[*Shared]int)
	var err error

	check := func(e Expr) {
		if err != nil {
			return
		}
		switch n := e.(type) {
		case *SharedDef:
			if defined[n.S] {
				err = diag.Oops("shared #%d defined twice", n.S.ID())
				return
			}
			defined[n.S] = true
		case *SharedRef:
			if !defined[n.S] {
				err = diag.Oops("shared #%d referenced before definition", n.S.ID())
				return
			}
			refs[n.S]++
		}
	}
	for _, s := range res.Body {
		if slot := stmtExpr(s); slot != nil {
			Walk(*slot, check)
		}
	}
	if err != nil {
		return err
	}
	for s := range defined {
		if s.TotalUses != refs[s]+1 {
			return diag.Oops("shared #%d: totalUses=%d but %d references", s.ID(), s.TotalUses, refs[s])
		}
	}
	return nil
}

// computeSuccessors records, for every breakpoint, the breakpoints
// reachable next along every jump edge.
func (res *Resolved) computeSuccessors() {
	body := res.Body
	visited := make([]int, len(body))
	gen := 0

	findNext := func(start int) []int {
		gen++
		out := []int{}
		var loop func(i int)
		loop = func(i int) {
			for i < len(body) {
				if visited[i] == gen {
					return
				}
				visited[i] = gen
				switch n := body[i].(type) {
				case *Jmp:
					if n.Mode == JmpAlways {
						i = n.Target.StmtNo() - 1
					} else {
						loop(n.Target.StmtNo()) // fork
					}
				case *Breakpoint:
					out = append(out, n.Info.ID)
					return
				}
				i++
			}
		}
		loop(start)
		return out
	}

	for _, s := range body {
		if b, ok := s.(*Breakpoint); ok {
			b.Info.Successors = findNext(b.StmtNo() + 1)
		}
	}
}

// peephole runs the rewrite and pure-statement removal passes over an
// already resolved body.
func peephole(body []Stmt) []Stmt {
	r := &resolver{}
	out := make([]Stmt, 0, len(body))
	for _, s := range body {
		if slot := stmtExpr(s); slot != nil {
			*slot = r.opt(*slot)
			if _, ok := s.(*ExprStmt); ok && IsPure(*slot) {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

// ---------------------------------------------------------------------------
// Copying
// ---------------------------------------------------------------------------

type cloner struct {
	shared map[*Shared]*Shared
	labels map[*Label]*Label
}

func cloneBody(body []Stmt) []Stmt {
	c := &cloner{
		shared: make(map[*Shared]*Shared),
		labels: make(map[*Label]*Label),
	}
	out := make([]Stmt, len(body))
	for i, s := range body {
		if l, ok := s.(*Label); ok {
			nl := &Label{Name: l.Name, StackSize: l.StackSize}
			c.labels[l] = nl
			out[i] = nl
		}
	}
	for i, s := range body {
		switch n := s.(type) {
		case *Label:
		case *ExprStmt:
			out[i] = &ExprStmt{X: c.expr(n.X)}
		case *Jmp:
			j := &Jmp{LabelName: n.LabelName, Mode: n.Mode}
			if n.Value != nil {
				j.Value = c.expr(n.Value)
			}
			if n.Terminate != nil {
				j.Terminate = c.expr(n.Terminate)
			}
			out[i] = j
		case *StackEmpty:
			out[i] = &StackEmpty{}
		case *Breakpoint:
			info := *n.Info
			info.Successors = nil
			out[i] = &Breakpoint{Info: &info}
		}
	}
	return out
}

func (c *cloner) sharedOp(s *Shared) *Shared {
	if ns, ok := c.shared[s]; ok {
		return ns
	}
	ns := &Shared{TotalUses: s.TotalUses, CurrUses: s.CurrUses}
	c.shared[s] = ns
	ns.X = c.expr(s.X)
	return ns
}

func (c *cloner) exprs(es []Expr) []Expr {
	if es == nil {
		return nil
	}
	out := make([]Expr, len(es))
	for i, e := range es {
		out[i] = c.expr(e)
	}
	return out
}

func (c *cloner) expr(e Expr) Expr {
	switch n := e.(type) {
	case *NumberLiteral:
		return &NumberLiteral{Value: n.Value}
	case *PointerLiteral:
		return &PointerLiteral{Label: n.Label, DebugTag: n.DebugTag}
	case *RuntimeCall:
		return &RuntimeCall{Name: n.Name, Args: c.exprs(n.Args), Conv: n.Conv, Mask: n.Mask}
	case *ProcCall:
		return &ProcCall{Callee: n.Callee, Args: c.exprs(n.Args), Conv: n.Conv}
	case *SharedRef:
		return &SharedRef{S: c.sharedOp(n.S), NoIncr: n.NoIncr}
	case *SharedDef:
		return &SharedDef{S: c.sharedOp(n.S), NoIncr: n.NoIncr}
	case *FieldAccess:
		return &FieldAccess{X: c.expr(n.X), Field: n.Field}
	case *Store:
		return &Store{Target: c.expr(n.Target), Value: c.expr(n.Value)}
	case *CellRef:
		return &CellRef{Cell: n.Cell}
	case *Incr:
		return &Incr{X: c.expr(n.X)}
	case *Decr:
		return &Decr{X: c.expr(n.X)}
	case *Sequence:
		return &Sequence{Items: c.exprs(n.Items)}
	case *JmpValue:
		return &JmpValue{}
	case *Nop:
		return &Nop{}
	case *InstanceOf:
		return &InstanceOf{X: c.expr(n.X), Class: n.Class}
	}
	return e
}

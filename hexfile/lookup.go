package hexfile

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/chazu/flashlink/diag"
	"github.com/chazu/flashlink/target"
)

// StartAddress returns the page-aligned address the program is linked at.
func (ctx *Context) StartAddress() uint32 {
	return ctx.CodeStartAddrPadded
}

// LookupFunc returns the jump table entry of a runtime function.
func (ctx *Context) LookupFunc(name string) (target.FuncInfo, bool) {
	inf, ok := ctx.Funcs[name]
	return inf, ok
}

// LookupFunctionAddr resolves a runtime symbol to its address.
func (ctx *Context) LookupFunctionAddr(name string) (uint32, bool) {
	if name == CommBaseSymbol {
		return ctx.CommBase, true
	}
	inf, ok := ctx.Funcs[name]
	if !ok {
		return 0, false
	}
	return inf.Value, true
}

// HexTemplateHash returns the first 16 hex digits of the template SHA,
// upper case and zero padded.
func (ctx *Context) HexTemplateHash() string {
	sha := ctx.SHA
	if len(sha) > 16 {
		sha = sha[:16]
	}
	return strings.ToUpper(sha + strings.Repeat("0", 16-len(sha)))
}

// HexPrelude returns the assembler directive placing the program.
func (ctx *Context) HexPrelude() string {
	return fmt.Sprintf("    .startaddr 0x%x\n", ctx.CodeStartAddrPadded)
}

// EncodeVTPtr compresses a vtable address into 16 bits.
func (ctx *Context) EncodeVTPtr(ptr uint32) (uint32, error) {
	shift := ctx.Target.VTableShift
	vv := ptr >> shift
	if vv >= 0xffff || vv<<shift != ptr {
		return 0, diag.Oops("cannot encode vtable pointer 0x%x with shift %d", ptr, shift)
	}
	return vv, nil
}

// ---------------------------------------------------------------------------
// Shims
// ---------------------------------------------------------------------------

var asmLabelRe = regexp.MustCompile(`(?m)^\s*(\w+):`)

// AsmLabels collects the labels defined by user assembly sources. Shims
// naming one of them are not looked up in the template.
func AsmLabels(sources ...string) map[string]bool {
	res := make(map[string]bool)
	for _, src := range sources {
		for _, m := range asmLabelRe.FindAllStringSubmatch(src, -1) {
			res[m[1]] = true
		}
	}
	return res
}

// ValidateShim checks a declared external function against the signature
// the template records for it. hasRet tells whether the declaration returns
// a value and numArgs is its parameter count.
func (ctx *Context) ValidateShim(funName, shimName string, hasRet bool, numArgs int, asmLabels map[string]bool) error {
	switch shimName {
	case "TD_ID", "TD_NOOP", "ENUM_GET":
		return nil
	}
	if asmLabels[shimName] {
		return nil
	}
	nm := fmt.Sprintf("%s(...) (shim=%s)", funName, shimName)
	inf, ok := ctx.LookupFunc(shimName)
	if !ok {
		return diag.Userf("function not found: %s", nm)
	}
	isProc := len(inf.ArgsFmt) > 0 && inf.ArgsFmt[0] == "V"
	if !hasRet && !isProc {
		return diag.Userf("expecting procedure for %s", nm)
	}
	if hasRet && isProc {
		return diag.Userf("expecting function for %s", nm)
	}
	declared := max(len(inf.ArgsFmt)-1, 0)
	if numArgs > declared {
		return diag.Userf("excessive parameters passed to %s", nm)
	}
	if numArgs != declared {
		return diag.Userf("not enough arguments for %s (got %d; fmt=%s)", nm, numArgs, strings.Join(inf.ArgsFmt, ","))
	}
	return nil
}

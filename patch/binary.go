// Package patch links an assembled program into a runtime template. It
// renders the program assembly (Serialize), hands it to an Assembler, and
// splices the resulting machine code into the template image (PatchHex),
// producing Intel HEX, UF2, ELF, flat binary or ESP32 output.
package patch

import (
	"github.com/chazu/flashlink/ir"
	"github.com/chazu/flashlink/target"
	"github.com/chazu/flashlink/vtable"
)

// ProcCode is the generated assembly of one procedure.
type ProcCode struct {
	Name     string
	Label    string // entry label, used to measure the procedure
	Location string
	Asm      string
}

// NewProcCode wraps the assembly generated for a resolved procedure.
func NewProcCode(res *ir.Resolved, asm string) *ProcCode {
	return &ProcCode{
		Name:     res.Proc.FullName(),
		Label:    res.Proc.Label(),
		Location: res.Proc.Location,
		Asm:      asm,
	}
}

// Binary is everything the back end has produced for one program.
type Binary struct {
	// Name is the program name; it names the ELF file inside UF2 output.
	Name string

	Procs       []*ProcCode
	Helpers     string            // runtime helper routines
	UserAsm     string            // inline assembly sources
	CodeHelpers map[string]string // label -> body
	Arithmetic  string

	Classes []*vtable.ClassInfo

	// IfaceMembers lists interface member names, sorted; IfaceMemberLabels
	// maps each to the label of its string literal.
	IfaceMembers      []string
	IfaceMemberLabels map[string]string

	// Literals are rendered literal pools (strings, doubles, hex blobs).
	Literals []string

	Config       []target.ConfigEntry
	PerfCounters []string

	GlobalsWords  int
	NonPtrGlobals int

	NumMethods     int
	NumVirtMethods int

	// Breakpoints get their BinAddr filled in after assembly.
	Breakpoints []*ir.BreakpointInfo

	// EmbedMeta and EmbedSource are packed into the image so the program
	// can be recovered from a device.
	EmbedMeta   string
	EmbedSource []byte

	// Filled in while emitting.
	CommSize      uint32
	SourceHash    string
	PackedSource  []byte
	ChecksumBlock []uint16
	ITableStats   vtable.Stats
}

// AddResolved appends the code of a resolved procedure and registers its
// breakpoints.
func (bin *Binary) AddResolved(res *ir.Resolved, asm string) {
	bin.Procs = append(bin.Procs, NewProcCode(res, asm))
	for _, st := range res.Body {
		if bp, ok := st.(*ir.Breakpoint); ok {
			bin.Breakpoints = append(bin.Breakpoints, bp.Info)
		}
	}
}

package patch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/chazu/flashlink/diag"
	"github.com/chazu/flashlink/hexfile"
	"github.com/chazu/flashlink/vtable"
)

// ProgramMagic opens every program image; the runtime checks it before
// jumping into user code.
const ProgramMagic = "708E3B92C615A841C49866C975EE5197"

// SystemPerfCounters are reported by the runtime itself.
var SystemPerfCounters = []string{"GC"}

// Serialize renders the assembly of the whole program: the header the
// runtime reads, the code, vtables and literals.
func Serialize(ctx *hexfile.Context, bin *Binary) (string, error) {
	var sb strings.Builder

	sb.WriteString("; start\n")
	sb.WriteString(ctx.HexPrelude())
	fmt.Fprintf(&sb, "    .hex %s ; magic number\n", ProgramMagic)
	fmt.Fprintf(&sb, "    .hex %s ; hex template hash\n", ctx.HexTemplateHash())
	sb.WriteString("    .hex 0000000000000000 ; @SRCHASH@\n")
	fmt.Fprintf(&sb, "    .short %d   ; num. globals\n", bin.GlobalsWords)
	sb.WriteString("    .short 0 ; patched with number of 64 bit words resulting from assembly\n")
	sb.WriteString("    .word _pxt_config_data\n")
	sb.WriteString("    .short 0 ; patched with comm section size\n")
	fmt.Fprintf(&sb, "    .short %d ; number of globals that are not pointers (they come first)\n", bin.NonPtrGlobals)
	sb.WriteString("    .word _pxt_iface_member_names\n")
	sb.WriteString("    .word _pxt_lambda_trampoline@fn\n")
	sb.WriteString("    .word _pxt_perf_counters\n")
	sb.WriteString("    .word 0 ; reserved\n")
	sb.WriteString("    .word 0 ; reserved\n")

	for _, p := range bin.Procs {
		sb.WriteString("\n" + p.Asm + "\n")
	}
	sb.WriteString("\n" + bin.Helpers + "\n")
	sb.WriteString(bin.UserAsm)
	sb.WriteString("_code_end:\n\n")

	labels := make([]string, 0, len(bin.CodeHelpers))
	for lbl := range bin.CodeHelpers {
		labels = append(labels, lbl)
	}
	slices.Sort(labels)
	for _, lbl := range labels {
		fmt.Fprintf(&sb, "    .section code\n%s:\n%s\n", lbl, bin.CodeHelpers[lbl])
	}
	sb.WriteString(bin.Arithmetic)
	sb.WriteString("_helpers_end:\n\n")

	opts := vtable.Options{
		ShortPointers: ctx.Target.ShortPointers,
		GC:            ctx.Target.GC,
		VTableShift:   ctx.Target.VTableShift,
	}
	bin.ITableStats = vtable.Stats{}
	for _, c := range bin.Classes {
		s, st, err := vtable.ToAsm(c, opts)
		if err != nil {
			return "", err
		}
		bin.ITableStats.Add(st)
		sb.WriteString(s)
	}

	sb.WriteString("\n.balign 4\n_pxt_iface_member_names:\n")
	fmt.Fprintf(&sb, "    .word %d\n", len(bin.IfaceMembers))
	for i, name := range bin.IfaceMembers {
		lbl, ok := bin.IfaceMemberLabels[name]
		if !ok {
			return "", diag.Oops("no string literal for interface member %s", name)
		}
		fmt.Fprintf(&sb, "    .word %smeta  ; %d .%s\n", lbl, i, name)
	}
	sb.WriteString("    .word 0\n")
	sb.WriteString("_vtables_end:\n\n")

	sb.WriteString("\n.balign 4\n_pxt_config_data:\n")
	for _, e := range bin.Config {
		fmt.Fprintf(&sb, "    .word %d, %d  ; %s=%d\n", e.Key, e.Value, e.Name, e.Value)
	}
	sb.WriteString("    .word 0\n\n")

	sb.WriteString(strings.Join(bin.Literals, ""))

	counters := append(slices.Clone(SystemPerfCounters), bin.PerfCounters...)
	sb.WriteString("\n.balign 4\n.section code\n_pxt_perf_counters:\n")
	fmt.Fprintf(&sb, "    .word %d\n", len(counters))
	var strs strings.Builder
	for i, c := range counters {
		lbl := ".perf" + strconv.Itoa(i)
		fmt.Fprintf(&sb, "    .word %s\n", lbl)
		fmt.Fprintf(&strs, "%s: .string %s\n", lbl, strconv.Quote(c))
	}
	sb.WriteString(strs.String())
	sb.WriteString("_literals_end:\n")

	return sb.String(), nil
}

var srcHashLine = regexp.MustCompile(`\n.*@SRCHASH@\n`)

// PatchSrcHash records the SHA-256 of src in bin and replaces the source
// hash placeholder line with its first 8 bytes.
func PatchSrcHash(bin *Binary, src string) string {
	sum := sha256.Sum256([]byte(src))
	bin.SourceHash = hex.EncodeToString(sum[:])
	loc := srcHashLine.FindStringIndex(src)
	if loc == nil {
		return src
	}
	return src[:loc[0]] + "\n    .hex " + strings.ToUpper(bin.SourceHash[:16]) + " ; program hash\n" + src[loc[1]:]
}

// MaxSourceInFlash is the largest packed source stored inside the program
// image; larger sources go after it, outside flashed memory.
const MaxSourceInFlash = 40000

var packedSourceMagic = []byte{0x41, 0x14, 0x0E, 0x2F, 0xB8, 0x2F, 0xA2, 0xBB}

// PackSource bundles the project metadata and compressed sources into the
// blob stored with the program.
func PackSource(meta string, blob []byte) []byte {
	m := []byte(meta)
	res := slices.Clone(packedSourceMagic)
	res = append(res,
		byte(len(m)), byte(len(m)>>8),
		byte(len(blob)), byte(len(blob)>>8),
		0, 0, 0, 0)
	res = append(res, m...)
	res = append(res, blob...)
	if len(res)%2 != 0 {
		res = append(res, 0)
	}
	return res
}

// AddSource renders packed source as data in the code section.
func AddSource(packed []byte) string {
	return "\n    .balign 16\n_stored_program: .hex " + hex.EncodeToString(packed) + "\n"
}

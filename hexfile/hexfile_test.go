package hexfile

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/chazu/flashlink/diag"
	"github.com/chazu/flashlink/esp"
	"github.com/chazu/flashlink/target"
)

// rec renders a data record.
func rec(addr uint16, data []byte) string {
	return HexBytes(append([]byte{byte(len(data)), byte(addr >> 8), byte(addr), RecData}, data...))
}

func le32(vals ...uint32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[4*i:], v)
	}
	return out
}

func marker() []byte {
	b, _ := hex.DecodeString(JmpTableMarker)
	return b
}

func thumbTarget() *target.CompileTarget {
	return &target.CompileTarget{NativeType: target.NativeThumb, FlashCodeAlign: 0x400}
}

func testFuncs() []target.FuncInfo {
	return []target.FuncInfo{
		{Name: "foo", ArgsFmt: []string{"I", "I"}},
		{Name: "bar", ArgsFmt: []string{"V"}},
		{Name: "baz"},
	}
}

// testTemplate builds a template with the jump table at 0x100, one pointer
// row after it, and a final 4-byte record at 0x120.
func testTemplate(ptrs ...uint32) []string {
	return []string{
		":020000040000FA",
		rec(0x0000, make([]byte, 16)),
		rec(0x0100, marker()),
		rec(0x0110, le32(ptrs...)),
		rec(0x0120, []byte{1, 2, 3, 4}),
		EOFRecord,
	}
}

func TestParseIntelHex(t *testing.T) {
	ext := &target.ExtensionInfo{
		SHA:       "abcdef0123456789abcdef",
		Hex:       testTemplate(0x1235, 0x2001, 0x3001, 0x4001),
		Functions: testFuncs(),
	}
	orig := strings.Join(ext.Hex, "\n")

	ctx, err := Parse(thumbTarget(), ext)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ctx.JmpStartAddr != 0x100 || ctx.JmpStartIdx != 2 {
		t.Errorf("jmp table at %#x (line %d)", ctx.JmpStartAddr, ctx.JmpStartIdx)
	}
	if ctx.CodeStartAddr != 0x130 || ctx.CodeStartIdx != 5 {
		t.Errorf("code start %#x (line %d), want 0x130 (line 5)", ctx.CodeStartAddr, ctx.CodeStartIdx)
	}
	if ctx.CodeStartAddrPadded != 0x400 || ctx.CodePaddingSize != 0x2d0 {
		t.Errorf("padded %#x, padding %#x", ctx.CodeStartAddrPadded, ctx.CodePaddingSize)
	}
	if ctx.CodePaddingSize%16 != 0 {
		t.Error("padding not a multiple of 16")
	}

	want := map[string]uint32{"foo": 0x1235, "bar": 0x2001, "baz": 0x3000}
	for name, v := range want {
		if got, ok := ctx.LookupFunctionAddr(name); !ok || got != v {
			t.Errorf("%s = %#x, want %#x", name, got, v)
		}
	}

	// the short last record is extended to a full row
	r, err := ParseRecord(ctx.Lines[4])
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if r.Len != 16 || r.Data[0] != 1 || r.Data[15] != 0 {
		t.Errorf("last record = %+v", r)
	}

	if strings.Join(ext.Hex, "\n") != orig || ext.Functions[0].Value != 0 {
		t.Error("Parse modified its input")
	}
	if ctx.HexTemplateHash() != "ABCDEF0123456789" {
		t.Errorf("HexTemplateHash = %q", ctx.HexTemplateHash())
	}
	if ctx.HexPrelude() != "    .startaddr 0x400\n" {
		t.Errorf("HexPrelude = %q", ctx.HexPrelude())
	}
}

func TestParseIntelHexInsertsFiller(t *testing.T) {
	lines := testTemplate(0x1235, 0x2001, 0x3001, 0x4001)
	lines[4] = rec(0x0125, []byte{1, 2, 3})
	ctx, err := Parse(thumbTarget(), &target.ExtensionInfo{Hex: lines, Functions: testFuncs()})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ctx.CodeStartAddr != 0x130 || ctx.CodeStartIdx != 6 {
		t.Errorf("code start %#x (line %d)", ctx.CodeStartAddr, ctx.CodeStartIdx)
	}
	r, err := ParseRecord(ctx.Lines[5])
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if r.Addr != 0x128 || r.Len != 8 {
		t.Errorf("filler = %+v", r)
	}
	if ctx.Lines[6] != EOFRecord {
		t.Errorf("line 6 = %q", ctx.Lines[6])
	}
}

func TestParseIntelHexLongLastRecord(t *testing.T) {
	lines := testTemplate(0x1235, 0x2001, 0x3001, 0x4001)
	long := make([]byte, 20)
	for i := range long {
		long[i] = byte(i + 1)
	}
	lines[4] = rec(0x0120, long)
	ctx, err := Parse(thumbTarget(), &target.ExtensionInfo{Hex: lines, Functions: testFuncs()})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ctx.CodeStartAddr != 0x140 || ctx.CodeStartIdx != 6 {
		t.Errorf("code start %#x (line %d)", ctx.CodeStartAddr, ctx.CodeStartIdx)
	}
	if ctx.Lines[4] != lines[4] {
		t.Errorf("long record rewritten to %q", ctx.Lines[4])
	}
	r, err := ParseRecord(ctx.Lines[5])
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if r.Addr != 0x134 || r.Len != 0xc {
		t.Errorf("filler = %+v", r)
	}
}

func TestParseIntelHexAddressGap(t *testing.T) {
	lines := testTemplate(0x1235, 0x2001, 0x3001, 0x4001)
	lines = append(lines[:5:5], ":020000041000EA", rec(0x1000, []byte{0xff, 0xff, 0xff, 0xff}), EOFRecord)
	ctx, err := Parse(thumbTarget(), &target.ExtensionInfo{Hex: lines, Functions: testFuncs()})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ctx.CodeStartAddr != 0x130 || ctx.CodeStartIdx != 5 {
		t.Errorf("code start %#x (line %d)", ctx.CodeStartAddr, ctx.CodeStartIdx)
	}
}

func TestParseIntelHexErrors(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		funcs []target.FuncInfo
		want  string
	}{
		{"missing function", []string{
			":020000040000FA",
			rec(0x0100, marker()),
			rec(0x0110, le32(0x1235, 0x2001, 0x3001, 0x4001)),
			EOFRecord,
		}, append(testFuncs(), target.FuncInfo{Name: "qux"}, target.FuncInfo{Name: "quux"}), "premature EOF in hex file; missing: quux"},
		{"zero pointer", testTemplate(0x1235, 0), testFuncs(), "No value for bar"},
		{"even thumb pointer", testTemplate(0x1234), testFuncs()[:1], "Non-thumb addr for foo"},
		{"no jump table", []string{":020000040000FA", rec(0, make([]byte, 16)), EOFRecord}, nil, "No hex start"},
		{"no end", []string{":020000040000FA", rec(0, marker()), rec(0x10, le32(1))}, nil, "No hex end"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(thumbTarget(), &target.ExtensionInfo{Hex: tt.lines, Functions: tt.funcs})
			if !diag.IsFatal(err) || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want fatal %q", err, tt.want)
			}
		})
	}
}

func TestRuntimeIsARMAllowsEvenPointers(t *testing.T) {
	tg := thumbTarget()
	tg.RuntimeIsARM = true
	if _, err := Parse(tg, &target.ExtensionInfo{Hex: testTemplate(0x1234), Functions: testFuncs()[:1]}); err != nil {
		t.Errorf("Parse: %v", err)
	}
}

func TestShortPointers(t *testing.T) {
	tg := thumbTarget()
	tg.ShortPointers = true
	lines := testTemplate(0x20011235, 0x00003001)
	ctx, err := Parse(tg, &target.ExtensionInfo{Hex: lines, Functions: testFuncs()})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if v, _ := ctx.LookupFunctionAddr("foo"); v != 0x1235 {
		t.Errorf("foo = %#x", v)
	}
	if v, _ := ctx.LookupFunctionAddr("bar"); v != 0x2001 {
		t.Errorf("bar = %#x", v)
	}
	if v, _ := ctx.LookupFunctionAddr("baz"); v != 0x3000 {
		t.Errorf("baz = %#x", v)
	}
}

func TestPatchSegmentHex(t *testing.T) {
	lines := []string{":020000021000EC"}
	if err := patchSegmentHex(lines); err != nil {
		t.Fatal(err)
	}
	if lines[0] != ":020000040001F9" {
		t.Errorf("got %q", lines[0])
	}
}

func TestParseBlob(t *testing.T) {
	blob := make([]byte, 0x20)
	blob = append(blob, marker()...)
	blob = append(blob, le32(0x1235, 0x2001, 0x3001, 0, 0)...)
	ext := &target.ExtensionInfo{Hex: []string{strings.ToUpper(hex.EncodeToString(blob))}, Functions: testFuncs()}

	ctx, err := Parse(thumbTarget(), ext)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ctx.ELF == nil || ctx.ELF.IsELF {
		t.Fatalf("ELF = %+v", ctx.ELF)
	}
	if ctx.JmpStartAddr != 0x20 {
		t.Errorf("JmpStartAddr = %#x", ctx.JmpStartAddr)
	}
	if ctx.CodeStartAddr != 0x400 || ctx.CodeStartAddrPadded != 0x400 || ctx.CodePaddingSize != 0 {
		t.Errorf("code start %#x / %#x", ctx.CodeStartAddr, ctx.CodeStartAddrPadded)
	}
	if v, _ := ctx.LookupFunctionAddr("baz"); v != 0x3000 {
		t.Errorf("baz = %#x", v)
	}

	if _, err := Parse(thumbTarget(), &target.ExtensionInfo{Hex: []string{"00112233"}}); !diag.IsFatal(err) {
		t.Errorf("blob without jump table: %v", err)
	}
}

func TestParseESP(t *testing.T) {
	data := make([]byte, 40)
	copy(data[4:], ESPMarker)
	copy(data[4+len(ESPMarker):], le32(0x400d1000, 0x400d2001, 0x400d3001))
	hdr := make([]byte, esp.HeaderLen)
	hdr[0] = esp.Magic
	img := &esp.Image{Header: hdr, ChipName: "esp32", Segments: []esp.Segment{
		{Addr: 0x3F400020, IsMapped: true, IsDROM: true, Data: data},
	}}
	buf, err := esp.ToBuffer(img, false)
	if err != nil {
		t.Fatalf("ToBuffer: %v", err)
	}
	enc := base64.StdEncoding.EncodeToString(buf)

	tg := &target.CompileTarget{NativeType: target.NativeVM, UseESP: true, FlashCodeAlign: 0x400}
	ctx, err := Parse(tg, &target.ExtensionInfo{Hex: []string{enc[:40], enc[40:]}, Functions: testFuncs()})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ctx.ESP == nil || ctx.ESPMarkerOff != 4 {
		t.Fatalf("ESP marker at %d", ctx.ESPMarkerOff)
	}
	if ctx.CodeStartAddr != 0x3F400400 {
		t.Errorf("CodeStartAddr = %#x", ctx.CodeStartAddr)
	}
	if v, _ := ctx.LookupFunctionAddr("foo"); v != 0x400d1000 {
		t.Errorf("foo = %#x", v)
	}
	if v, _ := ctx.LookupFunctionAddr("baz"); v != 0x400d3000 {
		t.Errorf("baz = %#x", v)
	}
}

func TestParseVM(t *testing.T) {
	tg := &target.CompileTarget{NativeType: target.NativeVM}
	ctx, err := Parse(tg, &target.ExtensionInfo{Functions: testFuncs(), CommBase: 0x2000})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !ctx.IsVM() {
		t.Error("IsVM = false")
	}
	for _, f := range testFuncs() {
		if v, _ := ctx.LookupFunctionAddr(f.Name); v != VMSentinel {
			t.Errorf("%s = %#x, want sentinel", f.Name, v)
		}
	}
	if v, ok := ctx.LookupFunctionAddr(CommBaseSymbol); !ok || v != 0x2000 {
		t.Errorf("comm base = %#x", v)
	}
}

func TestValidateShim(t *testing.T) {
	ctx, err := Parse(thumbTarget(), &target.ExtensionInfo{
		Hex:       testTemplate(0x1235, 0x2001, 0x3001),
		Functions: testFuncs(),
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	labels := AsmLabels("  myasm:\n    bx lr\nother: nop\n")
	if !labels["myasm"] || !labels["other"] {
		t.Fatalf("AsmLabels = %v", labels)
	}

	tests := []struct {
		shim    string
		hasRet  bool
		numArgs int
		want    string
	}{
		{"foo", true, 1, ""},
		{"bar", false, 0, ""},
		{"TD_ID", true, 9, ""},
		{"myasm", false, 3, ""},
		{"foo", false, 1, "expecting procedure for f(...) (shim=foo)"},
		{"bar", true, 0, "expecting function for f(...) (shim=bar)"},
		{"foo", true, 2, "excessive parameters passed to f(...) (shim=foo)"},
		{"foo", true, 0, "not enough arguments for f(...) (shim=foo) (got 0; fmt=I,I)"},
		{"nope", true, 0, "function not found: f(...) (shim=nope)"},
	}
	for _, tt := range tests {
		err := ctx.ValidateShim("f", tt.shim, tt.hasRet, tt.numArgs, labels)
		if tt.want == "" {
			if err != nil {
				t.Errorf("%s: %v", tt.shim, err)
			}
			continue
		}
		if !diag.IsUser(err) || err.Error() != tt.want {
			t.Errorf("%s: error = %v, want %q", tt.shim, err, tt.want)
		}
	}
}

func TestEncodeVTPtr(t *testing.T) {
	ctx := &Context{Target: target.CompileTarget{VTableShift: 2}}
	if v, err := ctx.EncodeVTPtr(0x1000); err != nil || v != 0x400 {
		t.Errorf("EncodeVTPtr = %#x, %v", v, err)
	}
	if _, err := ctx.EncodeVTPtr(0x1001); !diag.IsFatal(err) {
		t.Error("unaligned pointer accepted")
	}
	if _, err := ctx.EncodeVTPtr(0x40000); !diag.IsFatal(err) {
		t.Error("out of range pointer accepted")
	}
}

func TestHexTemplateHashPads(t *testing.T) {
	ctx := &Context{SHA: "ab"}
	if got := ctx.HexTemplateHash(); got != "AB00000000000000" {
		t.Errorf("HexTemplateHash = %q", got)
	}
}

package patch

import (
	"bytes"
	"strings"
	"testing"

	"github.com/chazu/flashlink/target"
	"github.com/chazu/flashlink/vtable"
)

func TestSerialize(t *testing.T) {
	ctx := parseTemplate(t, testTarget())
	bin := &Binary{
		Procs:        []*ProcCode{{Name: "main", Label: "_main", Asm: "_main:\n    bx lr"}},
		Helpers:      "; helpers",
		CodeHelpers:  map[string]string{"_b": "    nop", "_a": "    bx lr"},
		Config:       []target.ConfigEntry{{Name: "PIN_A0", Key: 100, Value: 2}},
		PerfCounters: []string{"draw"},
		GlobalsWords: 3,
		Classes: []*vtable.ClassInfo{{
			ID:     "Foo",
			VTable: []string{"_Foo_m"},
		}},
	}
	src, err := Serialize(ctx, bin)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	for _, want := range []string{
		"; start\n    .startaddr 0x400\n    .hex " + ProgramMagic + " ; magic number\n",
		"    .hex 0123456789ABCDEF ; hex template hash\n",
		"    .hex 0000000000000000 ; @SRCHASH@\n",
		"    .short 3   ; num. globals\n",
		"_main:\n    bx lr",
		"_code_end:",
		"    .word 100, 2  ; PIN_A0=2\n",
		"_pxt_perf_counters:\n    .word 2\n    .word .perf0\n    .word .perf1\n",
		".perf1: .string \"draw\"\n",
		"_literals_end:\n",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("missing %q", want)
		}
	}
	if strings.Index(src, "_a:") > strings.Index(src, "_b:") {
		t.Error("code helpers not sorted")
	}

	patched := PatchSrcHash(bin, src)
	if len(bin.SourceHash) != 64 {
		t.Fatalf("SourceHash = %q", bin.SourceHash)
	}
	want := "    .hex " + strings.ToUpper(bin.SourceHash[:16]) + " ; program hash\n"
	if !strings.Contains(patched, want) || strings.Contains(patched, "@SRCHASH@") {
		t.Errorf("source hash not patched")
	}
	if len(patched) != len(src)-len("0000000000000000 ; @SRCHASH@")+len(bin.SourceHash[:16]+" ; program hash") {
		t.Error("PatchSrcHash changed more than the hash line")
	}
}

func TestSerializeMissingIfaceLabel(t *testing.T) {
	ctx := parseTemplate(t, testTarget())
	_, err := Serialize(ctx, &Binary{IfaceMembers: []string{"length"}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestPackSource(t *testing.T) {
	p := PackSource("{}", []byte("abc"))
	if !bytes.HasPrefix(p, packedSourceMagic) {
		t.Fatal("missing magic")
	}
	if p[8] != 2 || p[9] != 0 || p[10] != 3 || p[11] != 0 {
		t.Errorf("lengths = % x", p[8:12])
	}
	if string(p[16:21]) != "{}abc" || len(p)%2 != 0 {
		t.Errorf("packed = % x", p)
	}
	if !strings.Contains(AddSource(p), "_stored_program: .hex 41140e2f") {
		t.Errorf("AddSource = %q", AddSource(p))
	}
}

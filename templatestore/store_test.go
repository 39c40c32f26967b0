package templatestore

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/chazu/flashlink/elfimg"
	"github.com/chazu/flashlink/hexfile"
	"github.com/chazu/flashlink/target"
)

func testContext() *hexfile.Context {
	return &hexfile.Context{
		SHA:                 "0123456789abcdef",
		Lines:               []string{":020000040000FA", hexfile.EOFRecord},
		CodeStartAddr:       0x130,
		CodeStartAddrPadded: 0x400,
		CodeStartIdx:        1,
		CodePaddingSize:     0x2d0,
		JmpStartAddr:        0x100,
		JmpStartIdx:         0,
		CommBase:            0x20002000,
		Funcs: map[string]target.FuncInfo{
			"foo": {Name: "foo", Value: 0x1235, ArgsFmt: []string{"I", "I"}},
		},
		ELF:          &elfimg.Info{ImageMemStart: 0x800, ImageFileStart: 0x800, NullPhdrOff: -1, Template: []byte{1, 2}},
		ESPMarkerOff: -1,
		Target:       target.CompileTarget{NativeType: target.NativeThumb, FlashCodeAlign: 0x400, UseUF2: true},
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	ctx := testContext()
	data, err := MarshalContext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	again, err := MarshalContext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, again) {
		t.Error("encoding is not deterministic")
	}

	got, err := UnmarshalContext(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.CodeStartAddrPadded != 0x400 || got.Target != ctx.Target || got.Funcs["foo"].Value != 0x1235 {
		t.Errorf("got %+v", got)
	}
	if got.ELF == nil || !bytes.Equal(got.ELF.Template, []byte{1, 2}) || got.ELF.NullPhdrOff != -1 {
		t.Errorf("ELF = %+v", got.ELF)
	}
	if got.ESP != nil {
		t.Error("ESP should stay nil")
	}
}

func TestStoreSaveLoad(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "sub", "templates.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if ctx, err := s.Load("missing"); err != nil || ctx != nil {
		t.Fatalf("Load(missing) = %v, %v", ctx, err)
	}

	if err := s.Save(testContext()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// replace
	if err := s.Save(testContext()); err != nil {
		t.Fatalf("Save again: %v", err)
	}

	got, err := s.Load("0123456789abcdef")
	if err != nil || got == nil {
		t.Fatalf("Load = %v, %v", got, err)
	}
	if got.JmpStartAddr != 0x100 || len(got.Lines) != 2 {
		t.Errorf("loaded %+v", got)
	}

	shas, err := s.List()
	if err != nil || len(shas) != 1 {
		t.Errorf("List = %v, %v", shas, err)
	}
	if err := s.Delete("0123456789abcdef"); err != nil {
		t.Fatal(err)
	}
	if ctx, _ := s.Load("0123456789abcdef"); ctx != nil {
		t.Error("entry survived Delete")
	}

	if err := s.Save(&hexfile.Context{}); err == nil {
		t.Error("context without SHA accepted")
	}
}

func TestStoreBacksCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tg := &target.CompileTarget{NativeType: target.NativeVM}
	ext := &target.ExtensionInfo{SHA: "feed", Functions: []target.FuncInfo{{Name: "f"}}}
	if _, err := hexfile.NewCache(s).SetupFor(tg, ext); err != nil {
		t.Fatal(err)
	}

	stored, err := s.Load("feed")
	if err != nil || stored == nil {
		t.Fatalf("template not persisted: %v", err)
	}
	ctx, err := hexfile.NewCache(s).SetupFor(tg, ext)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := ctx.LookupFunctionAddr("f"); v != hexfile.VMSentinel {
		t.Errorf("f = %#x", v)
	}
}

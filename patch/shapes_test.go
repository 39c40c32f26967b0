package patch

import (
	"bytes"
	"debug/elf"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/chazu/flashlink/esp"
	"github.com/chazu/flashlink/hexfile"
	"github.com/chazu/flashlink/target"
	"github.com/chazu/flashlink/uf2"
)

// stringHeader is "@PXT@:hi" after patching on a non-GC runtime.
var stringHeader = []byte{0xfe, 0xff, 0x00, 0x20, 0x02, 0x00, 'h', 'i'}

func checksumWordsFixture() []uint16 {
	chk := make([]uint16, 16)
	for i := range chk {
		chk[i] = 0xc000 + uint16(i)
	}
	return chk
}

// elfTemplate returns an ELF32 ARM executable with a spare program header.
// Its payload holds a string placeholder at file offset 116 and the jump
// table marker at 132.
func elfTemplate(t *testing.T) []byte {
	t.Helper()
	marker, _ := hex.DecodeString(hexfile.JmpTableMarker)
	payload := append([]byte("@PXT@:hi"), make([]byte, 8)...)
	payload = append(payload, marker...)
	payload = append(payload, le32(0x2001, 0x3001, 0x1235, 0)...)

	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_ARM),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     0x10001,
		Phoff:     52,
		Ehsize:    52,
		Phentsize: 32,
		Phnum:     2,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	load := elf.Prog32{
		Type:   uint32(elf.PT_LOAD),
		Off:    116,
		Vaddr:  0x10000,
		Paddr:  0x10000,
		Filesz: uint32(len(payload)),
		Memsz:  uint32(len(payload)) + 0x100,
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Align:  4,
	}

	var buf bytes.Buffer
	for _, v := range []any{hdr, load, elf.Prog32{}} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			t.Fatal(err)
		}
	}
	buf.Write(payload)
	return buf.Bytes()
}

// espTemplate returns a base64 esp32 image whose DROM segment at
// 0x3F400020 carries the function table marker at offset 4.
func espTemplate(t *testing.T) []string {
	t.Helper()
	data := make([]byte, 40)
	copy(data[4:], hexfile.ESPMarker)
	copy(data[4+len(hexfile.ESPMarker):], le32(0x2001, 0x3001, 0x1235))
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
	return []string{enc[:40], enc[40:]}
}

// espRead collects the bytes of img at [addr, addr+n).
func espRead(img *esp.Image, addr uint32, n int) []byte {
	out := make([]byte, n)
	for _, s := range img.Segments {
		for i := range out {
			a := addr + uint32(i)
			if s.Addr <= a && a < s.Addr+uint32(len(s.Data)) {
				out[i] = s.Data[a-s.Addr]
			}
		}
	}
	return out
}

func TestPatchHexShapes(t *testing.T) {
	chk := checksumWordsFixture()
	packed := PackSource("{}", []byte("source"))
	stringWords := SplitWords(append([]byte("@PXT@:hi"), make([]byte, 8)...))

	hexCtx := func(t *testing.T) *hexfile.Context {
		tgt := testTarget()
		tgt.FlashChecksumAddr = 0x40
		return parseTemplate(t, tgt)
	}
	elfCtx := func(t *testing.T) *hexfile.Context {
		blob := strings.ToUpper(hex.EncodeToString(elfTemplate(t)))
		ext := &target.ExtensionInfo{SHA: "0123456789abcdef", Hex: []string{blob}, Functions: testFuncs()}
		ctx, err := hexfile.Parse(testTarget(), ext)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		return ctx
	}

	tests := []struct {
		name   string
		ctx    func(t *testing.T) *hexfile.Context
		words  []uint16
		useUF2 bool
		check  func(t *testing.T, out *Output)
	}{
		{
			name:  "hex",
			ctx:   hexCtx,
			words: testWords(10),
			check: func(t *testing.T, out *Output) {
				text := string(out.Bytes())
				if !strings.HasPrefix(out.Lines[2], ":10010000"+"1042") {
					t.Errorf("header record = %q", out.Lines[2])
				}
				// checksum block just before EOF, packed source after it
				tail := strings.Join(checksumRecords(0x40, chk), "\r\n") + "\r\n" +
					hexfile.EOFRecord + "\r\n" +
					strings.Join(packedSourceRecords(packed), "\r\n") + "\r\n"
				if !strings.HasSuffix(text, tail) {
					t.Errorf("image does not end with checksum, EOF and packed source:\n%s", text)
				}
			},
		},
		{
			name:   "uf2",
			ctx:    hexCtx,
			words:  testWords(10),
			useUF2: true,
			check: func(t *testing.T, out *Output) {
				blocks := uf2.ParseFile(out.Data)
				if got := uf2.ReadBytes(blocks, 0x40, 32); !bytes.Equal(got, wordBytes(chk)) {
					t.Errorf("checksum block = % x", got)
				}
				if got := uf2.ReadBytes(blocks, 0x100, 2); !bytes.Equal(got, []byte{0x10, 0x42}) {
					t.Errorf("header = % x", got)
				}
				if got := uf2.ReadBytes(blocks, 0x400, 4); !bytes.Equal(got, []byte{1, 0, 2, 0}) {
					t.Errorf("program = % x", got)
				}
				var src *uf2.Block
				for _, b := range blocks {
					if b.Flags&uf2.FlagNoFlash != 0 {
						src = b
						break
					}
				}
				if src == nil || !bytes.HasPrefix(src.Data, packed) {
					t.Fatalf("packed source block = %+v", src)
				}
				if src.TargetAddr&0xff != 0 || src.TargetAddr < 0x1400 {
					t.Errorf("packed source at %#x", src.TargetAddr)
				}
			},
		},
		{
			name:  "elf",
			ctx:   elfCtx,
			words: testWords(10),
			check: func(t *testing.T, out *Output) {
				res := out.Data
				if !bytes.Equal(res[116:124], stringHeader) {
					t.Errorf("string header = % x", res[116:124])
				}
				if !bytes.Equal(res[132:134], []byte{0x10, 0x42}) || binary.LittleEndian.Uint32(res[136:]) != 0x10400 {
					t.Errorf("program header = % x", res[132:148])
				}
				if !bytes.Equal(res[0x400:0x404], []byte{1, 0, 2, 0}) {
					t.Errorf("program = % x", res[0x400:0x404])
				}
				f, err := elf.NewFile(bytes.NewReader(res))
				if err != nil {
					t.Fatalf("patched ELF does not parse: %v", err)
				}
				if p := f.Progs[1]; p.Type != elf.PT_LOAD || p.Vaddr != 0x10400 || p.Off != 0x400 {
					t.Errorf("program segment = %+v", p.ProgHeader)
				}
			},
		},
		{
			name:   "elf in uf2",
			ctx:    elfCtx,
			words:  testWords(10),
			useUF2: true,
			check: func(t *testing.T, out *Output) {
				blocks := uf2.ParseFile(out.Data)
				if len(blocks) == 0 || blocks[0].Filename != "Projects/my_prog.elf" {
					t.Fatalf("blocks = %+v", blocks)
				}
				if got := uf2.ReadBytes(blocks, 0, 4); !bytes.Equal(got, []byte(elf.ELFMAG)) {
					t.Errorf("file start = % x", got)
				}
				if got := uf2.ReadBytes(blocks, 0x400, 4); !bytes.Equal(got, []byte{1, 0, 2, 0}) {
					t.Errorf("program = % x", got)
				}
			},
		},
		{
			name: "esp",
			ctx: func(t *testing.T) *hexfile.Context {
				tgt := &target.CompileTarget{NativeType: target.NativeVM, UseESP: true, FlashCodeAlign: 0x400}
				ext := &target.ExtensionInfo{SHA: "0123456789abcdef", Hex: espTemplate(t), Functions: testFuncs()}
				ctx, err := hexfile.Parse(tgt, ext)
				if err != nil {
					t.Fatalf("Parse: %v", err)
				}
				return ctx
			},
			words: append(stringWords, testWords(4)...),
			check: func(t *testing.T, out *Output) {
				img, err := esp.ParseBuffer(out.Data)
				if err != nil {
					t.Fatalf("ParseBuffer: %v", err)
				}
				if got := espRead(img, 0x3F400024, 16); !bytes.Equal(got, append(le32(0x3F400400), make([]byte, 12)...)) {
					t.Errorf("function table marker = % x", got)
				}
				if got := espRead(img, 0x3F400400, 8); !bytes.Equal(got, stringHeader) {
					t.Errorf("program start = % x", got)
				}
				if got := espRead(img, 0x3F400410, 4); !bytes.Equal(got, []byte{1, 0, 2, 0}) {
					t.Errorf("program words = % x", got)
				}
			},
		},
		{
			name: "vm",
			ctx: func(t *testing.T) *hexfile.Context {
				ctx, err := hexfile.Parse(&target.CompileTarget{NativeType: target.NativeVM},
					&target.ExtensionInfo{SHA: "0123456789abcdef", Functions: testFuncs()})
				if err != nil {
					t.Fatalf("Parse: %v", err)
				}
				return ctx
			},
			words: testWords(10),
			check: func(t *testing.T, out *Output) {
				res := out.Data
				if len(res) != 42 || !bytes.Equal(res[:4], []byte{1, 0, 2, 0}) {
					t.Fatalf("program = % x", res)
				}
				if got := binary.LittleEndian.Uint16(res[2*sizeSlot:]); got != 3 {
					t.Errorf("size slot = %d, want 3", got)
				}
				if got := binary.LittleEndian.Uint16(res[2*commSlot:]); got != 0x24 {
					t.Errorf("comm slot = %#x", got)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := tt.ctx(t)
			bin := &Binary{Name: "my prog", CommSize: 0x24, ChecksumBlock: chk, PackedSource: packed}

			out, err := PatchHex(ctx, bin, tt.words, false, tt.useUF2)
			if err != nil {
				t.Fatalf("PatchHex: %v", err)
			}
			tt.check(t, out)

			if ctx.IsVM() || ctx.ELF != nil {
				// only HEX and UF2 images carry the checksum and the source
				if bytes.Contains(out.Bytes(), wordBytes(chk)) {
					t.Error("checksum block written")
				}
				if bytes.Contains(out.Bytes(), packedSourceMagic) {
					t.Error("packed source written")
				}
			}

			again, err := PatchHex(ctx, bin, tt.words, false, tt.useUF2)
			if err != nil {
				t.Fatalf("second PatchHex: %v", err)
			}
			if !bytes.Equal(out.Bytes(), again.Bytes()) {
				t.Error("patching the same program twice gave different images")
			}
		})
	}
}

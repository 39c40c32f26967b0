package patch

import (
	"bytes"
	"encoding/binary"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/chazu/flashlink/diag"
	"github.com/chazu/flashlink/elfimg"
	"github.com/chazu/flashlink/esp"
	"github.com/chazu/flashlink/hexfile"
	"github.com/chazu/flashlink/uf2"
)

const (
	// headerVersion is the first word of the program header written into
	// the jump table slot.
	headerVersion = 0x4210

	// maxSizeEntry bounds the program size, counted in 64-bit words.
	maxSizeEntry = 64000

	sizeSlot = 17
	commSlot = 20

	// packedSourceUpper is the upper address of packed source in HEX
	// output, far outside flash.
	packedSourceUpper = 0x2000
)

// Output is a patched image: Intel HEX records, or binary data for every
// other container.
type Output struct {
	Lines []string
	Data  []byte
}

// IsText reports whether the output is Intel HEX.
func (o *Output) IsText() bool { return o.Data == nil }

// Bytes returns the file contents. HEX records are CRLF terminated.
func (o *Output) Bytes() []byte {
	if !o.IsText() {
		return o.Data
	}
	return []byte(strings.Join(o.Lines, "\r\n") + "\r\n")
}

// row renders 8 words of buf starting at *ptr as a 16-byte data record
// (header included), advancing *ptr. Words past the end read as zero.
func row(buf []uint16, ptr *int, addr uint32) []byte {
	b := make([]byte, 4, 20)
	b[0], b[1], b[2], b[3] = 0x10, byte(addr>>8), byte(addr), hexfile.RecData
	for j := 0; j < 8; j++ {
		var w uint16
		if *ptr < len(buf) {
			w = buf[*ptr]
		}
		b = append(b, byte(w), byte(w>>8))
		*ptr++
	}
	return b
}

func extLinear(upper uint32) string {
	return hexfile.HexBytes([]byte{0x02, 0x00, 0x00, hexfile.RecExtLinear, byte(upper >> 8), byte(upper)})
}

// programHeader is written over the jump table marker: version, program
// start address, and the template hash.
func programHeader(ctx *hexfile.Context) ([]uint16, error) {
	padded := ctx.CodeStartAddrPadded
	hd := []uint16{headerVersion, 0, uint16(padded), uint16(padded >> 16)}
	tmp := ctx.HexTemplateHash()
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseUint(hexfile.SwapBytes(tmp[i*4:i*4+4]), 16, 16)
		if err != nil {
			return nil, diag.WrapFatal(err, "bad template hash %s", tmp)
		}
		hd = append(hd, uint16(v))
	}
	return hd, nil
}

// PatchHex places the assembled program words into the template of ctx.
// With shortForm only the program records are emitted (HEX only). useUF2
// selects UF2 output for HEX and ELF templates. Neither ctx nor words is
// modified.
func PatchHex(ctx *hexfile.Context, bin *Binary, words []uint16, shortForm, useUF2 bool) (*Output, error) {
	sizeEntry := (len(words)*2 + 7) >> 3
	if sizeEntry >= maxSizeEntry {
		return nil, diag.Userf("program too large, bytes: %d", len(words)*2)
	}

	buf := make([]uint16, int(ctx.CodePaddingSize>>1), int(ctx.CodePaddingSize>>1)+max(len(words), commSlot+1))
	buf = append(buf, words...)
	for len(buf) < int(ctx.CodePaddingSize>>1)+commSlot+1 {
		buf = append(buf, 0)
	}
	pad := int(ctx.CodePaddingSize >> 1)
	buf[pad+sizeSlot] = uint16(sizeEntry)
	buf[pad+commSlot] = uint16(bin.CommSize)

	hd, err := programHeader(ctx)
	if err != nil {
		return nil, err
	}
	sp := stringPatcher{ctx: ctx}

	switch {
	case ctx.ESP != nil:
		return patchESP(ctx, sp, buf)
	case ctx.IsVM():
		prog := wordBytes(buf)
		if err := sp.patchBuffer(prog); err != nil {
			return nil, err
		}
		return &Output{Data: prog}, nil
	case ctx.ELF != nil:
		return patchELF(ctx, bin, sp, buf, hd, useUF2)
	}

	if ctx.CodeStartIdx < 0 || ctx.CodeStartIdx > len(ctx.Lines) || ctx.JmpStartIdx < 0 {
		return nil, diag.Oops("template has no code start")
	}
	myhex := slices.Clone(ctx.Lines[:ctx.CodeStartIdx])

	var f *uf2.BlockFile
	if useUF2 {
		f = uf2.NewBlockFile(ctx.Target.Family())
		if err := f.WriteHex(myhex); err != nil {
			return nil, err
		}
		if err := sp.patchUF2(f); err != nil {
			return nil, err
		}
		ptr := 0
		f.WriteBytes(ctx.JmpStartAddr, row(hd, &ptr, ctx.JmpStartAddr)[4:], 0)
		if bin.ChecksumBlock != nil {
			f.WriteBytes(ctx.Target.FlashChecksumAddr, wordBytes(bin.ChecksumBlock), 0)
		}
	} else {
		if err := sp.patchHexLines(myhex); err != nil {
			return nil, err
		}
		ptr := 0
		myhex[ctx.JmpStartIdx] = hexfile.HexBytes(row(hd, &ptr, ctx.JmpStartAddr))
	}

	if shortForm {
		myhex = nil
	}

	addr := ctx.CodeStartAddr
	upper := (addr - 16) >> 16
	for ptr := 0; ptr < len(buf); addr += 16 {
		line := row(buf, &ptr, addr)
		if f != nil {
			f.WriteBytes(addr, line[4:], 0)
			continue
		}
		if addr>>16 != upper {
			upper = addr >> 16
			myhex = append(myhex, extLinear(upper))
		}
		myhex = append(myhex, hexfile.HexBytes(line))
	}

	if !shortForm {
		tail := ctx.Lines[ctx.CodeStartIdx:]
		if f != nil {
			if err := f.WriteHex(tail); err != nil {
				return nil, err
			}
		} else {
			myhex = append(myhex, tail...)
		}
	}

	if f == nil && bin.ChecksumBlock != nil {
		myhex = insertBeforeEOF(myhex, checksumRecords(ctx.Target.FlashChecksumAddr, bin.ChecksumBlock))
	}

	if bin.PackedSource != nil {
		if f != nil {
			addr := uint32(f.LastPageAddr()+0x1000) &^ 0xff
			for p := 0; p < len(bin.PackedSource); p += uf2.PayloadSize {
				chunk := make([]byte, uf2.PayloadSize)
				copy(chunk, bin.PackedSource[p:])
				f.WriteBytes(addr, chunk, uf2.FlagNoFlash)
				addr += uf2.PayloadSize
			}
		} else {
			myhex = append(myhex, packedSourceRecords(bin.PackedSource)...)
		}
	}

	if f != nil {
		return &Output{Data: f.Serialize()}, nil
	}
	if ctx.Target.MoveHexEof {
		myhex = moveHexEOF(myhex)
	}
	return &Output{Lines: myhex}, nil
}

func patchELF(ctx *hexfile.Context, bin *Binary, sp stringPatcher, buf, hd []uint16, useUF2 bool) (*Output, error) {
	res, err := elfimg.Patch(ctx.ELF, wordBytes(buf))
	if err != nil {
		return nil, err
	}
	if int(ctx.JmpStartAddr)+2*len(hd) > len(res) {
		return nil, diag.Oops("jump table outside of ELF image")
	}
	copy(res[ctx.JmpStartAddr:], wordBytes(hd))
	if err := sp.patchBuffer(res); err != nil {
		return nil, err
	}
	if !useUF2 {
		return &Output{Data: res}, nil
	}
	f := uf2.NewBlockFile(ctx.Target.Family())
	f.Filename = "Projects/" + elfName(bin.Name) + ".elf"
	f.WriteBytes(0, res, 0)
	return &Output{Data: f.Serialize()}, nil
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9\-.]+`)

func elfName(name string) string {
	if name == "" {
		name = "pxt"
	}
	return unsafeNameChars.ReplaceAllString(name, "_")
}

// patchESP appends the program to the DROM segment and points the function
// table marker at it.
func patchESP(ctx *hexfile.Context, sp stringPatcher, buf []uint16) (*Output, error) {
	prog := wordBytes(buf)
	if err := sp.patchBuffer(prog); err != nil {
		return nil, err
	}

	img := ctx.ESP.Clone()
	drom := img.DROM()
	if drom == nil || ctx.ESPMarkerOff < 0 || ctx.ESPMarkerOff+len(hexfile.ESPMarker) > len(drom.Data) {
		return nil, diag.Oops("ESP image has no function table")
	}
	marker := drom.Data[ctx.ESPMarkerOff : ctx.ESPMarkerOff+len(hexfile.ESPMarker)]
	clear(marker)
	binary.LittleEndian.PutUint32(marker, ctx.CodeStartAddr)

	if ctx.CodeStartAddr < drom.Addr+uint32(len(drom.Data)) {
		return nil, diag.Oops("ESP code start 0x%x inside DROM", ctx.CodeStartAddr)
	}
	gap := int(ctx.CodeStartAddr - drom.Addr - uint32(len(drom.Data)))
	drom.Data = append(drom.Data, make([]byte, gap)...)
	drom.Data = append(drom.Data, prog...)
	// segment lengths must keep file offsets word aligned
	drom.Data = append(drom.Data, make([]byte, -len(drom.Data)&3)...)

	digest := len(img.Header) > esp.DigestFlagOffset && img.Header[esp.DigestFlagOffset] != 0
	out, err := esp.ToBuffer(img, digest)
	if err != nil {
		return nil, err
	}
	return &Output{Data: out}, nil
}

// checksumRecords renders the checksum block as HEX records at addr.
func checksumRecords(addr uint32, chk []uint16) []string {
	res := []string{extLinear(addr >> 16)}
	data := wordBytes(chk)
	for off := 0; off < len(data); off += 16 {
		a := addr + uint32(off)
		line := []byte{byte(min(16, len(data)-off)), byte(a >> 8), byte(a), hexfile.RecData}
		line = append(line, data[off:min(off+16, len(data))]...)
		res = append(res, hexfile.HexBytes(line))
	}
	return res
}

// packedSourceRecords renders packed source as type 0E records above
// flash, so programmers skip them.
func packedSourceRecords(src []byte) []string {
	res := []string{extLinear(packedSourceUpper)}
	var addr uint32
	for i := 0; i < len(src); i += 16 {
		line := []byte{0x10, byte(addr >> 8), byte(addr), hexfile.RecPackedSource}
		chunk := make([]byte, 16)
		copy(chunk, src[i:])
		line = append(line, chunk...)
		res = append(res, hexfile.HexBytes(line))
		addr += 16
	}
	return res
}

func isEOF(line string) bool {
	return strings.HasPrefix(line, ":00000001")
}

func insertBeforeEOF(lines, recs []string) []string {
	for i, l := range lines {
		if isEOF(l) {
			return slices.Insert(lines, i, recs...)
		}
	}
	return append(lines, recs...)
}

// moveHexEOF moves the end-of-file record to the very end.
func moveHexEOF(lines []string) []string {
	for i, l := range lines {
		if isEOF(l) {
			res := slices.Delete(slices.Clone(lines), i, i+1)
			return append(res, l)
		}
	}
	return lines
}

// SplitWords is a helper for assemblers producing bytes.
func SplitWords(b []byte) []uint16 {
	b = bytes.Clone(b)
	if len(b)%2 != 0 {
		b = append(b, 0)
	}
	res := make([]uint16, len(b)/2)
	for i := range res {
		res[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return res
}

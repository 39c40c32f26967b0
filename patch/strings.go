package patch

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/chazu/flashlink/diag"
	"github.com/chazu/flashlink/hexfile"
	"github.com/chazu/flashlink/uf2"
)

// Constant strings and buffers are 4-byte aligned and start with a 6-byte
// placeholder, "@PXT@:" or "@PXT#:". The placeholder is replaced with the
// object header: vtable (or a read-only refcount and compressed vtable on
// non-GC runtimes) and the length.
var stringMarker = []byte("@PXT")

const (
	refCntFlash  = 0xfffe
	headerSize   = 6
	maxStringLen = 200
	hexMarker    = "40505854"
)

type stringPatcher struct {
	ctx *hexfile.Context
}

// header computes the replacement header for the object starting at b, or
// nil when b does not start with a placeholder.
func (sp stringPatcher) header(b []byte) ([]byte, error) {
	if !bytes.HasPrefix(b, stringMarker) {
		return nil, diag.Oops("no string marker")
	}
	if len(b) < headerSize || b[5] != ':' {
		return nil, nil
	}
	var vtName string
	switch b[4] {
	case '@':
		vtName = "pxt::string_inline_ascii_vt"
	case '#':
		vtName = "pxt::buffer_vt"
	default:
		return nil, nil
	}
	isString := b[4] == '@'

	vt, ok := sp.ctx.LookupFunctionAddr(vtName)
	if !ok || vt == 0 {
		return nil, diag.Oops("missing vt: %s", vtName)
	}
	vt ^= 1
	if vt&3 != 0 {
		return nil, diag.Oops("Unaligned vt: %d", vt)
	}

	hd := make([]byte, headerSize)
	if sp.ctx.Target.GC {
		binary.LittleEndian.PutUint32(hd, vt)
	} else {
		binary.LittleEndian.PutUint16(hd, refCntFlash)
		binary.LittleEndian.PutUint16(hd[2:], uint16(vt>>sp.ctx.Target.VTableShift))
	}

	n := 0
	if isString {
		for headerSize+n < len(b) && b[headerSize+n] != 0 {
			n++
		}
	}
	if headerSize+n >= len(b) {
		return nil, diag.Oops("constant string too long!")
	}
	binary.LittleEndian.PutUint16(hd[4:], uint16(n))
	return hd, nil
}

// patchBuffer patches every placeholder in a flat image.
func (sp stringPatcher) patchBuffer(buf []byte) error {
	for i := 0; i+8 < len(buf); i += 4 {
		if !bytes.HasPrefix(buf[i:], stringMarker) {
			continue
		}
		hd, err := sp.header(buf[i:min(i+maxStringLen, len(buf))])
		if err != nil {
			return err
		}
		if hd != nil {
			copy(buf[i:], hd)
		}
	}
	return nil
}

// patchUF2 patches every placeholder in the written pages of f.
func (sp stringPatcher) patchUF2(f *uf2.BlockFile) error {
	for _, page := range f.Pages() {
		base := page << 8
		data := f.ReadBytes(base, uf2.PayloadSize)
		for i := 0; i < len(data); i += 4 {
			if !bytes.HasPrefix(data[i:], stringMarker) {
				continue
			}
			addr := base + uint32(i)
			hd, err := sp.header(f.ReadBytes(addr, maxStringLen))
			if err != nil {
				return err
			}
			if hd != nil {
				f.WriteBytes(addr, hd, 0)
			}
		}
	}
	return nil
}

// patchHexLines patches placeholders in the data records of lines in place.
func (sp stringPatcher) patchHexLines(lines []string) error {
	for i, line := range lines {
		for from := 0; ; {
			idx := strings.Index(line[from:], hexMarker)
			if idx < 0 {
				break
			}
			idx += from
			from = idx + 1
			// skip hits in the record header or checksum and odd nibbles
			if idx < 9 || idx+len(hexMarker) > len(line)-2 || (idx-9)%2 != 0 {
				continue
			}
			off := (idx - 9) >> 1
			b, err := hexfile.ReadHex(lines, i, off, maxStringLen)
			if err != nil {
				return err
			}
			hd, err := sp.header(b)
			if err != nil {
				return err
			}
			if hd != nil {
				if err := hexfile.WriteHex(lines, i, off, hd); err != nil {
					return err
				}
				line = lines[i]
			}
		}
	}
	return nil
}

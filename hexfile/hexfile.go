// Package hexfile parses runtime templates. A template is the pre-built
// firmware a program is linked against: it holds a jump table with the
// addresses of the runtime functions, and ends where free flash begins.
//
// Three template shapes are understood: multi-line Intel HEX, a single
// hex-encoded ELF or flat binary blob, and a base64 ESP32 image (VM targets
// only). Parsing yields a Context, which is read-only from then on.
package hexfile

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/flashlink/diag"
	"github.com/chazu/flashlink/elfimg"
	"github.com/chazu/flashlink/esp"
	"github.com/chazu/flashlink/target"
)

var log = commonlog.GetLogger("flashlink.hexfile")

// JmpTableMarker is the record payload that precedes the function pointer
// table in every runtime template.
const JmpTableMarker = "0108010842424242010801083ED8E98D"

// ESPMarker precedes the function pointer table in the read-only data of an
// ESP32 VM runtime.
var ESPMarker = []byte{
	0x01, 0x08, 0x01, 0x08, 0x42, 0x42, 0x42, 0x42,
	0x01, 0x08, 0x01, 0x08, 0x3E, 0xD8, 0xE9, 0x8D,
	0x56,
}

// VMSentinel is the placeholder address of every runtime function on a VM
// target that has no native image to read addresses from.
const VMSentinel = 0xffffff

// CommBaseSymbol names the start of the comm section.
const CommBaseSymbol = "_pxt_comm_base"

// Context is a parsed template.
type Context struct {
	SHA   string   `cbor:"1,keyasint"`
	Lines []string `cbor:"2,keyasint,omitempty"`

	CodeStartAddr       uint32 `cbor:"3,keyasint"`
	CodeStartAddrPadded uint32 `cbor:"4,keyasint"`
	CodeStartIdx        int    `cbor:"5,keyasint"`
	CodePaddingSize     uint32 `cbor:"6,keyasint"`

	// JmpStartAddr is a flash address for HEX templates and a file offset
	// for ELF/BIN blobs.
	JmpStartAddr uint32 `cbor:"7,keyasint"`
	JmpStartIdx  int    `cbor:"8,keyasint"`

	CommBase uint32                     `cbor:"9,keyasint"`
	Funcs    map[string]target.FuncInfo `cbor:"10,keyasint"`

	ELF *elfimg.Info `cbor:"11,keyasint,omitempty"`
	ESP *esp.Image   `cbor:"12,keyasint,omitempty"`

	// ESPMarkerOff is the offset of ESPMarker in the DROM segment data.
	ESPMarkerOff int `cbor:"13,keyasint"`

	Target target.CompileTarget `cbor:"14,keyasint"`
}

// IsVM reports whether the context belongs to a bytecode VM target.
func (ctx *Context) IsVM() bool {
	return !ctx.Target.IsNative()
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

var (
	extLinearRe = regexp.MustCompile(`:02000004(....)`)
	dataAddrRe  = regexp.MustCompile(`^:..(....)00`)
	dataRe      = regexp.MustCompile(`^:..(....)00(.{4,})`)
	eofRe       = regexp.MustCompile(`^:00000001`)
	jmpTableRe  = regexp.MustCompile(`^:10....00` + JmpTableMarker)
	extSegRe    = regexp.MustCompile(`^:02....02(....)..$`)
)

// FlashCodeAlign returns the page size programs are aligned to.
func FlashCodeAlign(t *target.CompileTarget) uint32 {
	return t.PageSize()
}

// Parse parses the template of ext for target t. Neither argument is
// modified.
func Parse(t *target.CompileTarget, ext *target.ExtensionInfo) (*Context, error) {
	ctx := &Context{
		SHA:          ext.SHA,
		CommBase:     ext.CommBase,
		Funcs:        make(map[string]target.FuncInfo, len(ext.Functions)),
		Target:       *t,
		CodeStartIdx: -1,
		JmpStartIdx:  -1,
		ESPMarkerOff: -1,
	}
	p := &pointerReader{ctx: ctx, funs: slices.Clone(ext.Functions)}

	var err error
	switch {
	case t.UseESP:
		err = parseESP(ctx, ext.Hex, p)
	case !t.IsNative():
		for _, f := range p.funs {
			f.Value = VMSentinel
			ctx.Funcs[f.Name] = f
		}
		p.funs = nil
	case len(ext.Hex) == 0:
		err = diag.Oops("empty template")
	case len(ext.Hex) <= 2:
		err = parseBlob(ctx, ext.Hex[0], p)
	default:
		err = parseIntelHex(ctx, slices.Clone(ext.Hex), p)
	}
	if err == nil {
		err = p.check()
	}
	if err != nil {
		return nil, err
	}

	log.Infof("template %s: code start 0x%x (padded 0x%x), %d functions",
		ctx.HexTemplateHash(), ctx.CodeStartAddr, ctx.CodeStartAddrPadded, len(ctx.Funcs))
	return ctx, nil
}

// pointerReader assigns jump table values to the expected functions in
// declaration order.
type pointerReader struct {
	ctx  *Context
	funs []target.FuncInfo
}

func (p *pointerReader) done() bool { return len(p.funs) == 0 }

func (p *pointerReader) add(value uint32, raw string) error {
	if p.done() {
		return nil
	}
	inf := p.funs[0]
	p.funs = p.funs[1:]
	if value == 0 {
		return diag.Oops("No value for %s / %s", inf.Name, raw)
	}
	t := &p.ctx.Target
	if len(inf.ArgsFmt) == 0 {
		value &^= 1
	} else if !t.RuntimeIsARM && t.NativeType == target.NativeThumb && value&1 == 0 {
		return diag.Oops("Non-thumb addr for %s / %s", inf.Name, raw)
	}
	inf.Value = value
	p.ctx.Funcs[inf.Name] = inf
	return nil
}

// readHexPointers reads little-endian pointers from a string of hex digits.
func (p *pointerReader) readHexPointers(s string) error {
	step := 8
	if p.ctx.Target.ShortPointers {
		step = 4
	}
	for ; len(s) >= step && !p.done(); s = s[step:] {
		raw := s[:step]
		v, err := strconv.ParseUint(SwapBytes(raw), 16, 32)
		if err != nil {
			return diag.WrapFatal(err, "bad pointer %s", raw)
		}
		if err := p.add(uint32(v), raw); err != nil {
			return err
		}
	}
	return nil
}

func (p *pointerReader) check() error {
	if p.done() {
		return nil
	}
	names := make([]string, len(p.funs))
	for i, f := range p.funs {
		names[i] = f.Name
	}
	return diag.Oops("premature EOF in hex file; missing: %s", strings.Join(names, ", "))
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

// parseBlob handles a hex-encoded ELF executable or flat binary.
func parseBlob(ctx *Context, blob string, p *pointerReader) error {
	blob = strings.ToLower(strings.TrimSpace(blob))
	data, err := hex.DecodeString(blob)
	if err != nil {
		return fmt.Errorf("cannot decode binary template: %w", err)
	}
	info, err := elfimg.Parse(data, FlashCodeAlign(&ctx.Target))
	if err != nil {
		return err
	}
	ctx.ELF = info
	ctx.CodeStartAddr = info.ImageMemStart
	ctx.CodeStartAddrPadded = info.ImageMemStart
	ctx.CodePaddingSize = 0

	idx := strings.Index(blob, strings.ToLower(JmpTableMarker))
	// only byte-aligned hits count
	for idx >= 0 && idx%2 != 0 {
		next := strings.Index(blob[idx+1:], strings.ToLower(JmpTableMarker))
		if next < 0 {
			idx = -1
			break
		}
		idx += 1 + next
	}
	if idx < 0 {
		return diag.Oops("no jmp table in elf")
	}
	ctx.JmpStartAddr = uint32(idx / 2)

	step := 8
	if ctx.Target.ShortPointers {
		step = 4
	}
	start := idx + len(JmpTableMarker)
	end := min(len(blob), start+len(p.funs)*step+16)
	return p.readHexPointers(blob[start:end])
}

// parseESP handles a base64 ESP32 image. The program is appended to the
// DROM segment, page aligned.
func parseESP(ctx *Context, lines []string, p *pointerReader) error {
	img, err := esp.ParseB64(lines)
	if err != nil {
		return err
	}
	drom := img.DROM()
	if drom == nil {
		return diag.Oops("no DROM segment in ESP image")
	}
	off := bytes.Index(drom.Data, ESPMarker)
	if off < 0 {
		return diag.Oops("no function table in ESP image")
	}
	ctx.ESP = img
	ctx.ESPMarkerOff = off

	for ptr := off + len(ESPMarker); ptr+4 <= len(drom.Data) && !p.done(); ptr += 4 {
		raw := drom.Data[ptr : ptr+4]
		if err := p.add(binary.LittleEndian.Uint32(raw), hex.EncodeToString(raw)); err != nil {
			return err
		}
	}

	ctx.CodeStartAddr = alignUp(drom.Addr+uint32(len(drom.Data)), FlashCodeAlign(&ctx.Target))
	ctx.CodeStartAddrPadded = ctx.CodeStartAddr
	return nil
}

// patchSegmentHex rewrites 02 (extended segment address) records into the
// equivalent 04 (extended linear address) records.
func patchSegmentHex(lines []string) error {
	for i, l := range lines {
		if len(l) < 9 || l[8] != '2' {
			continue
		}
		m := extSegRe.FindStringSubmatch(l)
		if m == nil {
			return diag.Oops("bad segment record %s", l)
		}
		v, _ := strconv.ParseUint(m[1], 16, 32)
		upaddr := v * 16
		if upaddr&0xffff != 0 {
			return diag.Oops("unaligned segment record %s", l)
		}
		lines[i] = HexBytes([]byte{0x02, 0x00, 0x00, RecExtLinear, byte(upaddr >> 24), byte(upaddr >> 16)})
	}
	return nil
}

type hexScanner struct {
	ctx      *Context
	lines    []string
	lastAddr uint32
	lastIdx  int
	ended    bool
}

// hitEnd records the end of the template at the last data record. The
// record is padded to a full 16-byte row, either by extending it or by
// inserting a filler record after it. Records that start mid-row or carry
// more than 16 bytes cannot be extended in place and always get a filler.
// It reports whether a record was inserted.
func (s *hexScanner) hitEnd() (bool, error) {
	if s.ended {
		return false, nil
	}
	s.ended = true
	ctx := s.ctx
	inserted := false

	b, err := ParseHexBytes(s.lines[s.lastIdx])
	if err != nil {
		return false, err
	}
	n := uint32(b[0])
	missing := (0x10 - ((s.lastAddr + n) & 0xf)) & 0xf
	switch {
	case missing == 0:
		ctx.CodeStartAddr = s.lastAddr + n
	case b[2]&0xf != 0 || n > 0x10:
		next := s.lastAddr + n
		line := []byte{byte(missing), byte(next >> 8), byte(next), RecData}
		line = append(line, make([]byte, missing)...)
		s.lastIdx++
		s.lines = slices.Insert(s.lines, s.lastIdx, HexBytes(line))
		inserted = true
		ctx.CodeStartAddr = next + missing
	default:
		b = b[:len(b)-1]
		b[0] = 0x10
		b = append(b, make([]byte, 20-len(b))...)
		s.lines[s.lastIdx] = HexBytes(b)
		ctx.CodeStartAddr = s.lastAddr + 16
	}

	ctx.CodeStartIdx = s.lastIdx + 1
	page := FlashCodeAlign(&ctx.Target)
	ctx.CodeStartAddrPadded = (ctx.CodeStartAddr &^ (page - 1)) + page
	ctx.CodePaddingSize = ctx.CodeStartAddrPadded - ctx.CodeStartAddr
	if ctx.CodePaddingSize&0xf != 0 {
		return inserted, diag.Oops("code padding %d not a multiple of 16", ctx.CodePaddingSize)
	}
	return inserted, nil
}

func parseIntelHex(ctx *Context, lines []string, p *pointerReader) error {
	if err := patchSegmentHex(lines); err != nil {
		return err
	}

	s := &hexScanner{ctx: ctx, lines: lines}
	var upper uint32
	jmpFound := false
	seenData := false

	for i := 0; i < len(s.lines); i++ {
		line := s.lines[i]
		if m := extLinearRe.FindStringSubmatch(line); m != nil {
			v, _ := strconv.ParseUint(m[1], 16, 16)
			upper = uint32(v)
		}
		if m := dataAddrRe.FindStringSubmatch(line); m != nil {
			lo, _ := strconv.ParseUint(m[1], 16, 16)
			addr := upper<<16 | uint32(lo)
			gap := seenData && addr > s.lastAddr+0x10000
			usable := ctx.Target.FlashUsableEnd != 0 && addr >= ctx.Target.FlashUsableEnd
			if seenData && (gap || usable) {
				ins, err := s.hitEnd()
				if err != nil {
					return err
				}
				if ins {
					i++
				}
			}
			s.lastIdx = i
			s.lastAddr = addr
			seenData = true
		}
		if eofRe.MatchString(line) && seenData {
			ins, err := s.hitEnd()
			if err != nil {
				return err
			}
			if ins {
				i++
			}
		}
		if jmpTableRe.MatchString(line) {
			ctx.JmpStartAddr = s.lastAddr
			ctx.JmpStartIdx = i
			jmpFound = true
		}
	}

	if !jmpFound {
		return diag.Oops("No hex start")
	}
	if !s.ended {
		return diag.Oops("No hex end")
	}
	ctx.Lines = s.lines

	for i := ctx.JmpStartIdx + 1; i < len(ctx.Lines) && !p.done(); i++ {
		m := dataRe.FindStringSubmatch(ctx.Lines[i])
		if m == nil {
			continue
		}
		// drop the checksum
		if err := p.readHexPointers(m[2][:len(m[2])-2]); err != nil {
			return err
		}
	}
	return nil
}

// Package uf2 reads and writes UF2 files: a sequence of self-describing
// 512-byte blocks, each carrying up to 256 bytes of payload for one flash
// address.
package uf2

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	MagicStart0 = 0x0A324655 // "UF2\n"
	MagicStart1 = 0x9E5D5157
	MagicEnd    = 0x0AB16F30
)

// Block flags.
const (
	FlagNone            = 0x00000000
	FlagNoFlash         = 0x00000001
	FlagFile            = 0x00001000
	FlagFamilyIDPresent = 0x00002000
)

const (
	BlockSize   = 512
	PayloadSize = 256

	// EraseValue fills payload bytes that were never written.
	EraseValue = 0xff
)

// Block is a parsed UF2 block.
type Block struct {
	Flags       uint32
	TargetAddr  uint32
	PayloadSize uint32
	BlockNo     uint32
	NumBlocks   uint32
	FileSize    uint32
	FamilyID    uint32
	Filename    string
	Data        []byte
}

func (b *Block) hasAddr(a uint32) bool {
	return b != nil && b.TargetAddr <= a && a < b.TargetAddr+b.PayloadSize
}

// ParseBlock decodes one 512-byte block. It returns nil when the block is
// malformed or its magic numbers do not match.
func ParseBlock(block []byte) *Block {
	if len(block) != BlockSize {
		return nil
	}
	wordAt := func(k int) uint32 { return binary.LittleEndian.Uint32(block[k:]) }
	if wordAt(0) != MagicStart0 || wordAt(4) != MagicStart1 || wordAt(BlockSize-4) != MagicEnd {
		return nil
	}

	b := &Block{
		Flags:       wordAt(8),
		TargetAddr:  wordAt(12),
		PayloadSize: wordAt(16),
		BlockNo:     wordAt(20),
		NumBlocks:   wordAt(24),
	}
	if b.PayloadSize > 476 {
		b.PayloadSize = PayloadSize
	}
	if b.Flags&FlagFile != 0 {
		name := block[32+b.PayloadSize:]
		for i, c := range name {
			if c == 0 {
				name = name[:i]
				break
			}
		}
		b.Filename = string(name)
		b.FileSize = wordAt(28)
	}
	if b.Flags&FlagFamilyIDPresent != 0 {
		b.FamilyID = wordAt(28)
	}
	b.Data = append([]byte(nil), block[32:32+b.PayloadSize]...)
	return b
}

// ParseFile decodes every valid block of a UF2 file, skipping the rest.
func ParseFile(data []byte) []*Block {
	var r []*Block
	for i := 0; i+BlockSize <= len(data); i += BlockSize {
		if b := ParseBlock(data[i : i+BlockSize]); b != nil {
			r = append(r, b)
		}
	}
	return r
}

// ToBin flattens a UF2 file into a contiguous image starting at the first
// block's address. Blocks at or past endAddr (when non-zero) end the image;
// blocks that go backwards, are misaligned, or leave a gap over 1MB are
// skipped. ok is false when nothing was read.
func ToBin(data []byte, endAddr uint32) (buf []byte, start uint32, ok bool) {
	curr := int64(-1)
	for ptr := 0; ptr+BlockSize <= len(data); ptr += BlockSize {
		bl := ParseBlock(data[ptr : ptr+BlockSize])
		if bl == nil {
			continue
		}
		if endAddr != 0 && bl.TargetAddr+PayloadSize > endAddr {
			break
		}
		if curr == -1 {
			curr = int64(bl.TargetAddr)
			start = bl.TargetAddr
		}
		padding := int64(bl.TargetAddr) - curr
		if padding < 0 || padding%4 != 0 || padding > 1024*1024 {
			continue
		}
		buf = append(buf, make([]byte, padding)...)
		buf = append(buf, bl.Data...)
		curr = int64(bl.TargetAddr) + int64(bl.PayloadSize)
	}
	if len(buf) == 0 {
		return nil, 0, false
	}
	return buf, start, true
}

// ReadBytes reads length bytes at addr from parsed blocks. Addresses not
// covered by any block read as zero.
func ReadBytes(blocks []*Block, addr uint32, length int) []byte {
	res := make([]byte, length)
	var bl *Block
	for i := 0; i < length; i, addr = i+1, addr+1 {
		if !bl.hasAddr(addr) {
			bl = nil
			for _, b := range blocks {
				if b.hasAddr(addr) {
					bl = b
					break
				}
			}
		}
		if bl != nil {
			res[i] = bl.Data[addr-bl.TargetAddr]
		}
	}
	return res
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// BlockFile accumulates writes into UF2 blocks, one per 256-byte page.
type BlockFile struct {
	// Filename, when set, marks blocks as file content instead of flash.
	Filename string
	FileSize uint32
	FamilyID uint32

	blocks    [][]byte
	ptrs      []uint32
	currBlock []byte
	currPtr   int64
}

// NewBlockFile returns an empty file tagged with familyID (zero for none).
func NewBlockFile(familyID uint32) *BlockFile {
	return &BlockFile{FamilyID: familyID, currPtr: -1}
}

// ParseFamily parses a family id given as a decimal or 0x-prefixed string.
// An empty string means no family.
func ParseFamily(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid UF2 family %q: %w", s, err)
	}
	return uint32(v), nil
}

// NumBlocks returns the number of blocks written so far.
func (f *BlockFile) NumBlocks() int { return len(f.blocks) }

// Pages returns the page numbers (address >> 8) of the written blocks in
// block order.
func (f *BlockFile) Pages() []uint32 {
	return append([]uint32(nil), f.ptrs...)
}

// LastPageAddr returns the address of the page written most recently, or
// -1 before any write.
func (f *BlockFile) LastPageAddr() int64 {
	if f.currPtr < 0 {
		return -1
	}
	return f.currPtr << 8
}

func setWord(block []byte, ptr int, v uint32) {
	binary.LittleEndian.PutUint32(block[ptr:], v)
}

// WriteBytes writes data at addr, creating blocks as needed. New blocks
// are filled with EraseValue and carry flags plus the file or family flag.
func (f *BlockFile) WriteBytes(addr uint32, data []byte, flags uint32) {
	// writes crossing a page boundary are split per page
	thisChunk := PayloadSize - int(addr&0xff)
	if len(data) > thisChunk {
		f.WriteBytes(addr, data[:thisChunk], flags)
		for thisChunk < len(data) {
			next := min(thisChunk+PayloadSize, len(data))
			f.WriteBytes(addr+uint32(thisChunk), data[thisChunk:next], flags)
			thisChunk = next
		}
		return
	}

	needAddr := int64(addr >> 8)
	if needAddr != f.currPtr {
		f.currBlock = f.findBlock(uint32(needAddr))
		if f.currBlock == nil {
			f.currBlock = f.newBlock(uint32(needAddr), flags)
		}
		f.currPtr = needAddr
	}
	copy(f.currBlock[32+int(addr&0xff):], data)
	f.FileSize = max(f.FileSize, uint32(len(data))+addr)
}

func (f *BlockFile) findBlock(page uint32) []byte {
	for i, p := range f.ptrs {
		if p == page {
			return f.blocks[i]
		}
	}
	return nil
}

func (f *BlockFile) newBlock(page, flags uint32) []byte {
	b := make([]byte, BlockSize)
	if f.Filename != "" {
		flags |= FlagFile
	} else if f.FamilyID != 0 {
		flags |= FlagFamilyIDPresent
	}
	setWord(b, 0, MagicStart0)
	setWord(b, 4, MagicStart1)
	setWord(b, 8, flags)
	setWord(b, 12, page<<8)
	setWord(b, 16, PayloadSize)
	setWord(b, 20, uint32(len(f.blocks)))
	setWord(b, 28, f.FamilyID)
	setWord(b, BlockSize-4, MagicEnd)
	for i := 32; i < 32+PayloadSize; i++ {
		b[i] = EraseValue
	}
	if f.Filename != "" {
		copy(b[32+PayloadSize:BlockSize-4], f.Filename)
	}
	f.blocks = append(f.blocks, b)
	f.ptrs = append(f.ptrs, page)
	return b
}

// ReadBytes reads back length bytes at addr. It returns nil when the page
// holding addr was never written; later pages that are missing read as
// EraseValue.
func (f *BlockFile) ReadBytes(addr uint32, length int) []byte {
	page := addr >> 8
	bl := f.findBlock(page)
	if bl == nil {
		return nil
	}
	res := make([]byte, length)
	toRead := min(length, PayloadSize-int(addr&0xff))
	copy(res, bl[32+int(addr&0xff):32+int(addr&0xff)+toRead])
	if rest := length - toRead; rest > 0 {
		more := f.ReadBytes(addr+uint32(toRead), rest)
		if more == nil {
			for i := toRead; i < length; i++ {
				res[i] = EraseValue
			}
		} else {
			copy(res[toRead:], more)
		}
	}
	return res
}

var (
	extAddrRecord = regexp.MustCompile(`:02000004(....)`)
	dataRecord    = regexp.MustCompile(`^:..(....)00(.*)[0-9A-F][0-9A-F]$`)
)

// WriteHex writes the data records of Intel HEX lines, honouring extended
// linear address records.
func (f *BlockFile) WriteHex(lines []string) error {
	upper := "0000"
	for i, line := range lines {
		if m := extAddrRecord.FindStringSubmatch(line); m != nil {
			upper = m[1]
		}
		m := dataRecord.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		addr, err := strconv.ParseUint(upper+m[1], 16, 32)
		if err != nil {
			return fmt.Errorf("hex line %d: bad address: %w", i, err)
		}
		data, err := hex.DecodeString(m[2])
		if err != nil {
			return fmt.Errorf("hex line %d: %w", i, err)
		}
		f.WriteBytes(uint32(addr), data, 0)
	}
	return nil
}

func (f *BlockFile) finalize() {
	for i, b := range f.blocks {
		setWord(b, 20, uint32(i))
		setWord(b, 24, uint32(len(f.blocks)))
		if f.Filename != "" {
			setWord(b, 28, f.FileSize)
		}
	}
}

// Serialize numbers the blocks and returns the file contents.
func (f *BlockFile) Serialize() []byte {
	f.finalize()
	out := make([]byte, 0, len(f.blocks)*BlockSize)
	for _, b := range f.blocks {
		out = append(out, b...)
	}
	return out
}

// ConcatFiles joins several files into one. The inputs are left empty.
func ConcatFiles(fs []*BlockFile) *BlockFile {
	r := NewBlockFile(0)
	for _, f := range fs {
		f.finalize()
		f.Filename = ""
		r.blocks = append(r.blocks, f.blocks...)
		r.ptrs = append(r.ptrs, f.ptrs...)
		f.blocks, f.ptrs = nil, nil
		f.currBlock, f.currPtr = nil, -1
	}
	return r
}

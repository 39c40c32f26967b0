// Package esp reads and writes ESP32 application images: a 24-byte header
// followed by (address, length, data) segments, a one-byte XOR checksum and
// an optional SHA-256 digest.
package esp

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/flashlink/diag"
)

var log = commonlog.GetLogger("flashlink.esp")

const (
	Magic     = 0xE9
	HeaderLen = 24
	segHdLen  = 8

	// DigestFlagOffset is the header byte enabling the appended digest.
	DigestFlagOffset = 23

	checksumSeed = 0xEF
	mapAlign     = 0x10000

	// The bootloader does not map a trailing page shorter than this.
	minMappedTail = 0x24
)

// Segment is one loadable region of an image.
type Segment struct {
	Addr     uint32
	IsMapped bool // DROM or IROM, mapped through the flash cache
	IsDROM   bool
	Data     []byte
}

func (s *Segment) String() string {
	var kind string
	if s.IsDROM {
		kind += "drom "
	}
	if s.IsMapped {
		kind += "mapped "
	}
	return fmt.Sprintf("0x%x 0x%x bytes; %s%s...", s.Addr, len(s.Data), kind, hex.EncodeToString(s.Data[:min(20, len(s.Data))]))
}

// Image is a parsed ESP32 application image.
type Image struct {
	Header   []byte
	ChipName string
	Segments []Segment
}

// ---------------------------------------------------------------------------
// Chip memory maps
// ---------------------------------------------------------------------------

type memSegment struct {
	from, to uint32
	id       string
}

type chipDesc struct {
	name   string
	chipID uint16
	memmap []memSegment
}

var chips = []chipDesc{
	{
		name: "esp32", chipID: 0,
		memmap: []memSegment{
			{0x00000000, 0x00010000, "PADDING"},
			{0x3F400000, 0x3F800000, "DROM"},
			{0x3F800000, 0x3FC00000, "EXTRAM_DATA"},
			{0x3FF80000, 0x3FF82000, "RTC_DRAM"},
			{0x3FF90000, 0x40000000, "BYTE_ACCESSIBLE"},
			{0x3FFAE000, 0x40000000, "DRAM"},
			{0x3FFE0000, 0x3FFFFFFC, "DIRAM_DRAM"},
			{0x40000000, 0x40070000, "IROM"},
			{0x40070000, 0x40078000, "CACHE_PRO"},
			{0x40078000, 0x40080000, "CACHE_APP"},
			{0x40080000, 0x400A0000, "IRAM"},
			{0x400A0000, 0x400BFFFC, "DIRAM_IRAM"},
			{0x400C0000, 0x400C2000, "RTC_IRAM"},
			{0x400D0000, 0x40400000, "IROM"},
			{0x50000000, 0x50002000, "RTC_DATA"},
		},
	},
	{
		name: "esp32-s2", chipID: 2,
		memmap: []memSegment{
			{0x00000000, 0x00010000, "PADDING"},
			{0x3F000000, 0x3FF80000, "DROM"},
			{0x3F500000, 0x3FF80000, "EXTRAM_DATA"},
			{0x3FF9E000, 0x3FFA0000, "RTC_DRAM"},
			{0x3FF9E000, 0x40000000, "BYTE_ACCESSIBLE"},
			{0x3FF9E000, 0x40072000, "MEM_INTERNAL"},
			{0x3FFB0000, 0x40000000, "DRAM"},
			{0x40000000, 0x4001A100, "IROM_MASK"},
			{0x40020000, 0x40070000, "IRAM"},
			{0x40070000, 0x40072000, "RTC_IRAM"},
			{0x40080000, 0x40800000, "IROM"},
			{0x50000000, 0x50002000, "RTC_DATA"},
		},
	},
	{
		name: "esp32-s3", chipID: 4,
		memmap: []memSegment{
			{0x00000000, 0x00010000, "PADDING"},
			{0x3C000000, 0x3D000000, "DROM"},
			{0x3D000000, 0x3E000000, "EXTRAM_DATA"},
			{0x600FE000, 0x60100000, "RTC_DRAM"},
			{0x3FC88000, 0x3FD00000, "BYTE_ACCESSIBLE"},
			{0x3FC88000, 0x403E2000, "MEM_INTERNAL"},
			{0x3FC88000, 0x3FD00000, "DRAM"},
			{0x40000000, 0x4001A100, "IROM_MASK"},
			{0x40370000, 0x403E0000, "IRAM"},
			{0x600FE000, 0x60100000, "RTC_IRAM"},
			{0x42000000, 0x42800000, "IROM"},
			{0x50000000, 0x50002000, "RTC_DATA"},
		},
	},
	{
		name: "esp32-c3", chipID: 5,
		memmap: []memSegment{
			{0x00000000, 0x00010000, "PADDING"},
			{0x3C000000, 0x3C800000, "DROM"},
			{0x3FC80000, 0x3FCE0000, "DRAM"},
			{0x3FC88000, 0x3FD00000, "BYTE_ACCESSIBLE"},
			{0x3FF00000, 0x3FF20000, "DROM_MASK"},
			{0x40000000, 0x40060000, "IROM_MASK"},
			{0x42000000, 0x42800000, "IROM"},
			{0x4037C000, 0x403E0000, "IRAM"},
			{0x50000000, 0x50002000, "RTC_IRAM"},
			{0x50000000, 0x50002000, "RTC_DRAM"},
			{0x600FE000, 0x60100000, "MEM_INTERNAL2"},
		},
	},
}

func (c *chipDesc) inSection(addr uint32, sect string) bool {
	for _, m := range c.memmap {
		if m.id == sect && m.from <= addr && addr <= m.to {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// ParseBuffer parses an image. Segments in the PADDING region are dropped
// and a segment that continues the one just before it is merged into it.
func ParseBuffer(buf []byte) (*Image, error) {
	if len(buf) < HeaderLen {
		return nil, fmt.Errorf("ESP: image too short (%d bytes)", len(buf))
	}
	if buf[0] != Magic {
		return nil, fmt.Errorf("ESP: invalid magic: %d", buf[0])
	}

	chipID := binary.LittleEndian.Uint16(buf[12:])
	var chip *chipDesc
	for i := range chips {
		if chips[i].chipID == chipID {
			chip = &chips[i]
			break
		}
	}
	if chip == nil {
		return nil, fmt.Errorf("ESP: unknown chipid: %d", chipID)
	}

	img := &Image{
		Header:   slices.Clone(buf[:HeaderLen]),
		ChipName: chip.name,
	}

	ptr := HeaderLen
	numseg := int(buf[1])
	for i := 0; i < numseg; i++ {
		if ptr+segHdLen > len(buf) {
			return nil, fmt.Errorf("ESP: too short file")
		}
		offset := binary.LittleEndian.Uint32(buf[ptr:])
		size := int(binary.LittleEndian.Uint32(buf[ptr+4:]))
		ptr += segHdLen
		if size < 0 || ptr+size > len(buf) {
			return nil, fmt.Errorf("ESP: too short file")
		}
		data := slices.Clone(buf[ptr : ptr+size])
		ptr += size

		if chip.inSection(offset, "PADDING") {
			continue
		}

		if n := len(img.Segments); n > 0 {
			if last := &img.Segments[n-1]; last.Addr+uint32(len(last.Data)) == offset {
				last.Data = append(last.Data, data...)
				continue
			}
		}
		img.Segments = append(img.Segments, Segment{
			Addr:     offset,
			IsMapped: chip.inSection(offset, "DROM") || chip.inSection(offset, "IROM"),
			IsDROM:   chip.inSection(offset, "DROM"),
			Data:     data,
		})
	}
	return img, nil
}

// ParseB64 parses an image given as base64 text split over lines.
func ParseB64(lines []string) (*Image, error) {
	buf, err := base64.StdEncoding.DecodeString(strings.Join(lines, ""))
	if err != nil {
		return nil, fmt.Errorf("ESP: %w", err)
	}
	return ParseBuffer(buf)
}

// Clone returns a copy of img whose segment list and data may be changed
// freely.
func (img *Image) Clone() *Image {
	res := &Image{Header: slices.Clone(img.Header), ChipName: img.ChipName}
	res.Segments = make([]Segment, len(img.Segments))
	for i, s := range img.Segments {
		s.Data = slices.Clone(s.Data)
		res.Segments[i] = s
	}
	return res
}

// DROM returns the first DROM segment, or nil.
func (img *Image) DROM() *Segment {
	for i := range img.Segments {
		if img.Segments[i].IsDROM {
			return &img.Segments[i]
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// padSegments lays out mapped segments so each one's data sits at a file
// offset congruent to its address modulo 64KB, filling the gaps with
// non-mapped data where possible and zero padding otherwise.
func padSegments(image *Image) (*Image, error) {
	const alignMask = mapAlign - 1

	image = image.Clone()
	slices.SortStableFunc(image.Segments, func(a, b Segment) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		}
		return 0
	})

	var mapped, nonMapped []*Segment
	for i := range image.Segments {
		s := &image.Segments[i]
		if s.IsMapped {
			mapped = append(mapped, s)
		} else {
			nonMapped = append(nonMapped, s)
		}
	}

	for _, seg := range mapped {
		leftoff := (seg.Addr + uint32(len(seg.Data))) & alignMask
		if leftoff < minMappedTail {
			seg.Data = append(seg.Data, make([]byte, minMappedTail-leftoff)...)
		}
	}

	foff := len(image.Header)

	alignmentNeeded := func(seg *Segment) int {
		reqd := int((seg.Addr - segHdLen) & alignMask)
		padLen := (reqd - foff) & alignMask
		if padLen == 0 {
			return 0
		}
		padLen -= segHdLen
		if padLen < 0 {
			padLen += mapAlign
		}
		return padLen
	}

	paddingSegment := func(n int) Segment {
		if len(nonMapped) == 0 || n <= segHdLen {
			return Segment{Data: make([]byte, n)}
		}
		src := nonMapped[0]
		take := min(n, len(src.Data))
		res := Segment{
			Addr:     src.Addr,
			IsMapped: src.IsMapped,
			IsDROM:   src.IsDROM,
			Data:     src.Data[:take],
		}
		src.Data = src.Data[take:]
		src.Addr += uint32(take)
		if len(src.Data) == 0 {
			nonMapped = nonMapped[1:]
		}
		return res
	}

	var out []Segment
	for len(mapped) > 0 {
		var seg Segment
		if padLen := alignmentNeeded(mapped[0]); padLen > 0 {
			seg = paddingSegment(padLen)
		} else {
			if (foff+segHdLen)&alignMask != int(mapped[0].Addr&alignMask) {
				return nil, diag.Oops("ESP padding: offset %d+%d does not match address %#x", foff, segHdLen, mapped[0].Addr)
			}
			seg = *mapped[0]
			mapped = mapped[1:]
		}
		out = append(out, seg)
		foff += segHdLen + len(seg.Data)
		if foff&3 != 0 {
			return nil, diag.Oops("ESP padding: unaligned file offset %d", foff)
		}
	}
	for _, s := range nonMapped {
		out = append(out, *s)
	}
	image.Segments = out

	if log.AllowLevel(commonlog.Debug) {
		var sb strings.Builder
		for i := range out {
			sb.WriteString(out[i].String() + "\n")
		}
		log.Debugf("esp padded:\n%s", sb.String())
	}
	return image, nil
}

// ToBuffer serializes image. The segments are padded for the flash cache,
// the XOR checksum is stored in the last byte of the 16-byte aligned body,
// and with digest set a SHA-256 of the body is appended.
func ToBuffer(image *Image, digest bool) ([]byte, error) {
	image, err := padSegments(image)
	if err != nil {
		return nil, err
	}

	size := len(image.Header)
	for _, seg := range image.Segments {
		size += segHdLen + len(seg.Data)
	}
	size = (size + 16) &^ 15

	res := make([]byte, size)
	copy(res, image.Header)
	res[1] = byte(len(image.Segments))
	off := len(image.Header)
	checksum := byte(checksumSeed)
	for _, seg := range image.Segments {
		binary.LittleEndian.PutUint32(res[off:], seg.Addr)
		binary.LittleEndian.PutUint32(res[off+4:], uint32(len(seg.Data)))
		copy(res[off+segHdLen:], seg.Data)
		off += segHdLen + len(seg.Data)
		for _, b := range seg.Data {
			checksum ^= b
		}
	}
	res[len(res)-1] = checksum

	if !digest {
		res[DigestFlagOffset] = 0
		return res, nil
	}
	res[DigestFlagOffset] = 1
	sum := sha256.Sum256(res)
	return append(res, sum[:]...), nil
}

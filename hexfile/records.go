package hexfile

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/chazu/flashlink/diag"
)

// Intel HEX record types.
const (
	RecData         = 0x00
	RecEOF          = 0x01
	RecExtSegment   = 0x02
	RecExtLinear    = 0x04
	RecPackedSource = 0x0E
)

// EOFRecord terminates an Intel HEX file.
const EOFRecord = ":00000001FF"

// Record is one decoded Intel HEX line.
type Record struct {
	Len  int
	Addr uint16
	Type byte
	Data []byte
}

// HexBytes renders a record from its length, address, type and data bytes,
// appending the two's complement checksum.
func HexBytes(bytes []byte) string {
	var sum byte
	for _, b := range bytes {
		sum += b
	}
	buf := make([]byte, len(bytes)+1)
	copy(buf, bytes)
	buf[len(bytes)] = -sum
	return ":" + strings.ToUpper(hex.EncodeToString(buf))
}

// ParseHexBytes decodes a record line (with or without the leading colon)
// into its raw bytes, checksum included.
func ParseHexBytes(line string) ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimSpace(line), ":")
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, diag.WrapFatal(err, "bad bytes %s", s)
	}
	return b, nil
}

// ParseRecord decodes and validates one record line.
func ParseRecord(line string) (Record, error) {
	b, err := ParseHexBytes(line)
	if err != nil {
		return Record{}, err
	}
	if len(b) < 5 || int(b[0])+5 != len(b) {
		return Record{}, fmt.Errorf("malformed record %q", line)
	}
	var sum byte
	for _, v := range b {
		sum += v
	}
	if sum != 0 {
		return Record{}, fmt.Errorf("bad checksum in record %q", line)
	}
	return Record{
		Len:  int(b[0]),
		Addr: uint16(b[1])<<8 | uint16(b[2]),
		Type: b[3],
		Data: b[4 : len(b)-1],
	}, nil
}

// SwapBytes reverses the byte order of a hex string, turning little-endian
// memory contents into a number literal.
func SwapBytes(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := len(s) - 2; i >= 0; i -= 2 {
		sb.WriteString(s[i : i+2])
	}
	return sb.String()
}

// ReadHex collects n data bytes starting at offset off of the data field of
// lines[lineNo], continuing over the following data records. Fewer bytes are
// returned when the file ends first.
func ReadHex(lines []string, lineNo, off, n int) ([]byte, error) {
	var out []byte
	for ; len(out) < n && lineNo < len(lines); lineNo++ {
		b, err := ParseHexBytes(lines[lineNo])
		if err != nil {
			return nil, err
		}
		if len(b) > 5 && b[3] == RecData && 4+off < len(b)-1 {
			out = append(out, b[4+off:len(b)-1]...)
		}
		off = 0
	}
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// WriteHex overwrites data bytes in place, starting at offset off of
// lines[lineNo] and spilling into the following data records. Checksums of
// the touched records are recomputed.
func WriteHex(lines []string, lineNo, off int, patch []byte) error {
	src := 0
	for ; src < len(patch); lineNo++ {
		if lineNo >= len(lines) {
			return diag.Oops("hex patch runs past end of file")
		}
		b, err := ParseHexBytes(lines[lineNo])
		if err != nil {
			return err
		}
		if len(b) > 5 && b[3] == RecData {
			b = b[:len(b)-1]
			for pos := 4 + off; pos < len(b) && src < len(patch); pos++ {
				b[pos] = patch[src]
				src++
			}
			lines[lineNo] = HexBytes(b)
		}
		off = 0
	}
	return nil
}

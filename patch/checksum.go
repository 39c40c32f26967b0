package patch

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/flashlink/diag"
	"github.com/chazu/flashlink/hexfile"
)

// The checksum block lets the bootloader verify the template and the
// program separately. It is assembled at the very end of the program, then
// cut off and written at the target's FlashChecksumAddr.
const (
	checksumMagic = 0x87eeb07c
	checksumWords = 8
	checksumLabel = "__flash_checksums"
)

// ChecksumStub renders the checksum block assembly. bin.SourceHash must be
// set.
func ChecksumStub(ctx *hexfile.Context, bin *Binary) (string, error) {
	if len(bin.SourceHash) < 8 {
		return "", diag.Oops("checksum block needs the source hash")
	}
	page := hexfile.FlashCodeAlign(&ctx.Target)
	k := 0
	for page > 1<<k {
		k++
	}
	srcHash, err := strconv.ParseUint(bin.SourceHash[:8], 16, 32)
	if err != nil {
		return "", diag.WrapFatal(err, "bad source hash")
	}
	endMarker := uint32(srcHash)&0xffffff00 | uint32(k)
	progStart := ctx.CodeStartAddrPadded / page

	templBeg := uint32(0)
	templSize := progStart
	// the checksum block itself is not part of the template region
	if chk := ctx.Target.FlashChecksumAddr; chk < ctx.CodeStartAddrPadded {
		templBeg = (chk + 32 + page - 1) / page
		templSize -= templBeg
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "\n    .balign 4\n__end_marker:\n    .word %d\n\n", endMarker)
	sb.WriteString("; ------- this will get removed from the final binary ------\n")
	fmt.Fprintf(&sb, "%s:\n", checksumLabel)
	fmt.Fprintf(&sb, "    .word 0x%x ; magic\n", checksumMagic)
	sb.WriteString("    .word __end_marker ; end marker position\n")
	fmt.Fprintf(&sb, "    .word %d ; end marker\n", endMarker)
	sb.WriteString("    ; template region\n")
	fmt.Fprintf(&sb, "    .short %d, %d\n", templBeg, templSize)
	fmt.Fprintf(&sb, "    .word 0x%s\n", ctx.HexTemplateHash()[:8])
	sb.WriteString("    ; user region\n")
	fmt.Fprintf(&sb, "    .short %d, 0xffff\n", progStart)
	fmt.Fprintf(&sb, "    .word 0x%s\n", bin.SourceHash[:8])
	sb.WriteString("    .word 0x0 ; terminator\n")
	return sb.String(), nil
}

// ExtractChecksum removes the assembled checksum block from the end of
// words and stores it in bin. The block's user region gets the program
// length in pages and a hash of the program bytes.
func ExtractChecksum(ctx *hexfile.Context, bin *Binary, words []uint16, labels map[string]uint32) ([]uint16, error) {
	n := checksumWords * 2
	pos, ok := labels[checksumLabel]
	if !ok || len(words) < n || int(pos/2) != len(words)-n {
		return nil, diag.Oops("checksum block not found at the end of the program")
	}
	chk := append([]uint16(nil), words[len(words)-n:]...)
	prog := words[:len(words)-n]

	page := int(hexfile.FlashCodeAlign(&ctx.Target))
	chk[len(chk)-5] = uint16((len(prog)*2 + page - 1) / page)

	sum := sha256.Sum256(wordBytes(prog))
	h := binary.BigEndian.Uint32(sum[:4])
	chk[12] = uint16(h)
	chk[13] = uint16(h >> 16)

	bin.ChecksumBlock = chk
	return prog, nil
}

// wordBytes returns the little-endian bytes of words.
func wordBytes(words []uint16) []byte {
	b := make([]byte, 2*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint16(b[2*i:], w)
	}
	return b
}

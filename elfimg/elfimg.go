// Package elfimg handles templates shipped as a single binary blob: a
// 32-bit ELF executable, or a flat position-independent binary. The
// program is placed after the template image, page aligned, and for ELF a
// spare PT_NULL program header is turned into a PT_LOAD entry covering it.
package elfimg

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/chazu/flashlink/diag"
)

const phdrSize = 32

// Info is a parsed blob template.
type Info struct {
	IsELF bool

	// ImageMemStart is the load address of the program; ImageFileStart is
	// its offset in the output file.
	ImageMemStart  uint32
	ImageFileStart uint32

	// NullPhdrOff is the file offset of the spare program header, -1 when
	// there is none.
	NullPhdrOff int
	BigEndian   bool

	Template []byte
}

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// Parse inspects a blob template. Data that does not start with an ELF
// header is treated as a flat binary loaded at address zero. align is the
// program alignment, normally the flash page size.
func Parse(data []byte, align uint32) (*Info, error) {
	info := &Info{Template: data, NullPhdrOff: -1}

	if len(data) < 4 || !bytes.Equal(data[:4], []byte(elf.ELFMAG)) {
		start := alignUp(uint32(len(data)), align)
		info.ImageMemStart = start
		info.ImageFileStart = start
		return info, nil
	}

	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("cannot parse ELF template: %w", err)
	}
	if f.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("cannot use %v ELF template: only 32-bit images are supported", f.Class)
	}
	var hdr elf.Header32
	if err := binary.Read(bytes.NewReader(data), f.ByteOrder, &hdr); err != nil {
		return nil, fmt.Errorf("cannot read ELF header: %w", err)
	}

	info.IsELF = true
	info.BigEndian = f.ByteOrder == binary.BigEndian

	var memEnd uint32
	for i, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			memEnd = max(memEnd, uint32(p.Vaddr+p.Memsz))
		case elf.PT_NULL:
			if info.NullPhdrOff < 0 {
				info.NullPhdrOff = int(hdr.Phoff) + i*int(hdr.Phentsize)
			}
		}
	}
	info.ImageMemStart = alignUp(memEnd, align)
	info.ImageFileStart = alignUp(uint32(len(data)), align)
	return info, nil
}

func (info *Info) byteOrder() binary.ByteOrder {
	if info.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Patch returns a copy of the template with prog placed at ImageFileStart.
// The template itself is not modified.
func Patch(info *Info, prog []byte) ([]byte, error) {
	res := make([]byte, int(info.ImageFileStart)+len(prog))
	copy(res, info.Template)
	copy(res[info.ImageFileStart:], prog)

	if !info.IsELF {
		return res, nil
	}
	if info.NullPhdrOff < 0 {
		return nil, diag.Oops("ELF template has no spare program header")
	}

	bo := info.byteOrder()
	ph := res[info.NullPhdrOff : info.NullPhdrOff+phdrSize]
	bo.PutUint32(ph[0:], uint32(elf.PT_LOAD))
	bo.PutUint32(ph[4:], info.ImageFileStart)
	bo.PutUint32(ph[8:], info.ImageMemStart)
	bo.PutUint32(ph[12:], info.ImageMemStart)
	bo.PutUint32(ph[16:], uint32(len(prog)))
	bo.PutUint32(ph[20:], uint32(len(prog)))
	bo.PutUint32(ph[24:], uint32(elf.PF_R|elf.PF_X))
	bo.PutUint32(ph[28:], 4)
	return res, nil
}

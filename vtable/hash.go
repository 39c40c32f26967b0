// Package vtable builds the per-class dispatch tables: the virtual method
// table and the interface table, whose buckets are addressed by a
// multiplicative hash of the interface member id.
package vtable

import (
	"github.com/tliron/commonlog"

	"github.com/chazu/flashlink/diag"
)

var log = commonlog.GetLogger("flashlink.vtable")

// VTLookups is how many consecutive buckets the runtime checks for an id.
const VTLookups = 3

// MaxTableSize bounds the bucket table. Ids are stored as 16-bit values so
// a larger table could not be addressed anyway.
const MaxTableSize = 1 << 16

var primes = []uint32{
	21078089, 22513679, 15655169, 18636881, 19658081, 21486649, 21919277, 20041213, 20548751,
	16180187, 18361627, 19338023, 19772677, 16506547, 23530697, 22998697, 21225203, 19815283,
	23679599, 19822889, 21136133, 19540043, 21837031, 18095489, 23924267, 23434627, 22582379,
	21584111, 22615171, 23403001, 19640683, 19998031, 18460439, 20105387, 17595791, 16482043,
	23199959, 18881641, 21578371, 22765747, 20170273, 16547639, 16434589, 21435019, 20226751,
	19506731, 21454393, 23224541, 23431973, 23745511,
}

// HashInfo is a hash over a set of member ids.
//
// The low byte of Mult is the shift; the bucket of id is
// uint32(id*Mult) >> shift. Mapping has Size+VTLookups+1 slots and holds
// the id stored in each slot, zero for empty.
type HashInfo struct {
	Mult    uint32
	Mapping []uint16
	Size    int
}

// Shift returns the right shift applied after multiplying.
func (h *HashInfo) Shift() uint32 { return h.Mult & 0xff }

// Lookup returns the slot holding id, probing like the runtime does, or -1.
func (h *HashInfo) Lookup(id int) int {
	k := int((uint32(id) * h.Mult) >> h.Shift())
	for l := 0; l < VTLookups; l++ {
		if k+l < len(h.Mapping) && int(h.Mapping[k+l]) == id {
			return k + l
		}
	}
	return -1
}

// ComputeHashMultiplier finds a multiplier placing every id within
// VTLookups slots of its hashed bucket. Table sizes double from 2; at the
// first size where some candidate prime places all ids, the candidate with
// the fewest lookup collisions wins (first one on ties).
//
// Ids must be distinct and in 1..65535. Exceeding MaxTableSize without a
// placement is a Fatal error.
func ComputeHashMultiplier(ids []int) (*HashInfo, error) {
	seen := make(map[int]bool, len(ids))
	for _, n := range ids {
		if n <= 0 || n > 0xffff {
			return nil, diag.Oops("interface member id %d out of range", n)
		}
		if seen[n] {
			return nil, diag.Oops("interface member id %d not unique", n)
		}
		seen[n] = true
	}

	shift := uint32(32)
	for sz := 2; sz <= MaxTableSize; sz <<= 1 {
		shift--
		if sz < len(ids) {
			continue
		}

		var best *HashInfo
		bestColl := -1
		for _, p := range primes {
			mult := (p << 8) | shift
			arr := make([]uint16, sz+VTLookups+1)
			numColl, ok := place(ids, mult, shift, arr)
			if !ok {
				continue
			}
			if best == nil || numColl < bestColl {
				best = &HashInfo{Mult: mult, Mapping: arr, Size: sz}
				bestColl = numColl
			}
		}
		if best != nil {
			log.Debugf("hash for %d ids: size %d, %d collisions", len(ids), sz, bestColl)
			return best, nil
		}
	}
	return nil, diag.Oops("no interface hash for %d ids within table size %d", len(ids), MaxTableSize)
}

func place(ids []int, mult, shift uint32, arr []uint16) (int, bool) {
	numColl := 0
	for _, n := range ids {
		k := int((uint32(n) * mult) >> shift)
		found := false
		for l := 0; l < VTLookups; l++ {
			if arr[k+l] == 0 {
				arr[k+l] = uint16(n)
				found = true
				break
			}
			numColl++
		}
		if !found {
			return numColl, false
		}
	}
	return numColl, true
}

package storage

import (
	"encoding/binary"

	"github.com/uhyunpark/veil/pkg/auction"
)

// Key schema for Pebble storage. Numeric components are 8-byte big-endian so
// prefix scans return rows in ID order:
//
//	rnd:<round>          → Round
//	res:<round>          → ClearingResult
//	ord:<round><order>   → Order
//	rev:<round><order>   → RevealRecord
//	stl:<round><order>   → Settlement
const (
	prefixRound      = "rnd:"
	prefixResult     = "res:"
	prefixOrder      = "ord:"
	prefixReveal     = "rev:"
	prefixSettlement = "stl:"
)

func u64(v uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], v)
	return k[:]
}

func key(prefix string, parts ...uint64) []byte {
	k := make([]byte, 0, len(prefix)+8*len(parts))
	k = append(k, prefix...)
	for _, p := range parts {
		k = append(k, u64(p)...)
	}
	return k
}

func roundKey(id auction.RoundID) []byte  { return key(prefixRound, uint64(id)) }
func resultKey(id auction.RoundID) []byte { return key(prefixResult, uint64(id)) }

func orderKey(round auction.RoundID, id auction.OrderID) []byte {
	return key(prefixOrder, uint64(round), uint64(id))
}

func revealKey(round auction.RoundID, id auction.OrderID) []byte {
	return key(prefixReveal, uint64(round), uint64(id))
}

func settlementKey(round auction.RoundID, id auction.OrderID) []byte {
	return key(prefixSettlement, uint64(round), uint64(id))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

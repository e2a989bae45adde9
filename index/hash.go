package index

import (
	"encoding/binary"

	"github.com/klauspost/crc32"
)

// BundleSalt and DACSSalt keep collisions across the two identity-keyed
// indices rare even for identical EID material, per spec.md §4.E ("Hash
// values are computed with CRC-32C ... plus a per-index salt constant").
const (
	BundleSalt uint32 = 0x4255_4e44 // "BUND"
	DACSSalt   uint32 = 0x44414353  // "DACS"
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func hashWithSalt(salt uint32, parts ...[]byte) uint64 {
	crc := salt
	for _, p := range parts {
		crc = crc32.Update(crc, castagnoliTable, p)
	}
	return uint64(crc)
}

// HashBundleKey hashes a bundle's (source EID, creation sequence number)
// identity for bundle_index.
func HashBundleKey(sourceEID string, seq uint64) uint64 {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return hashWithSalt(BundleSalt, []byte(sourceEID), seqBytes[:])
}

// HashFlowID derives a flow_id from the source EID bundles in a given
// aggregation flow share, for use as the first half of a dacs_index key.
func HashFlowID(sourceEID string) uint64 {
	return hashWithSalt(BundleSalt, []byte(sourceEID))
}

// HashDACSKey hashes a (flow_id, previous_custodian_id) pair for dacs_index.
func HashDACSKey(flowID uint64, prevCustodianEID string) uint64 {
	var flowBytes [8]byte
	binary.BigEndian.PutUint64(flowBytes[:], flowID)
	return hashWithSalt(DACSSalt, flowBytes[:], []byte(prevCustodianEID))
}

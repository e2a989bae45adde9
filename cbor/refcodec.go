package cbor

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/nasa-bplib/bpcache/bundle"
	"github.com/nasa-bplib/bpcache/clock"
	"github.com/nasa-bplib/bpcache/pool"
)

// RefCodec is a reference (de)serializer good enough to exercise the
// cache core's tests end to end. It is not CBOR and not wire-compatible
// with any BPv7 implementation; it borrows friggdb/encoding/object.go's
// length-prefixed record framing (a run of |length|bytes| fields) rather
// than a self-describing grammar, since the wire format itself is out of
// scope (spec.md §1).
type RefCodec struct{}

const refCodecVersion = 7

// procFlags bit positions within the single-byte flags field.
const (
	pfAdminRecord byte = 1 << iota
	pfMustNotFragment
	pfRequestsStatusReport
)

// canonicalFlags bit positions within each canonical record's content-marker
// byte. A canonical can carry at most one of these (its BlockType selects
// which), but they're independent bits so the decoder doesn't need to trust
// BlockType to know which optional fields follow.
const (
	cfCustodyTracking byte = 1 << iota
	cfCustodyAccept
)

func putEID(buf []byte, e bundle.EID) []byte {
	var tmp [16]byte
	binary.LittleEndian.PutUint64(tmp[0:8], e.Node)
	binary.LittleEndian.PutUint64(tmp[8:16], e.Service)
	return append(buf, tmp[:]...)
}

func getEID(data []byte) (bundle.EID, []byte, error) {
	if len(data) < 16 {
		return bundle.EID{}, nil, ErrTooShort
	}
	e := bundle.EID{
		Node:    binary.LittleEndian.Uint64(data[0:8]),
		Service: binary.LittleEndian.Uint64(data[8:16]),
	}
	return e, data[16:], nil
}

func putU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func getU64(data []byte) (uint64, []byte, error) {
	if len(data) < 8 {
		return 0, nil, ErrTooShort
	}
	return binary.LittleEndian.Uint64(data[0:8]), data[8:], nil
}

func putU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func getU32(data []byte) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, ErrTooShort
	}
	return binary.LittleEndian.Uint32(data[0:4]), data[4:], nil
}

// EncodeBundle writes the bundle's logical fields into out, length-prefixed
// record by record, returning the number of bytes written. It always
// encodes from the logical fields: it neither reuses nor updates the
// blocks' cached chunk bytes or RequiresEncode flags.
func (RefCodec) EncodeBundle(ctx context.Context, primaryBlk *pool.Block, out []byte) (int, error) {
	if primaryBlk == nil {
		return 0, ErrNullInput
	}
	pr, ok := primaryBlk.Payload.(*bundle.Primary)
	if !ok {
		return 0, errors.New("cbor: block is not a primary")
	}

	var buf []byte
	buf = append(buf, refCodecVersion)

	var flags byte
	if pr.AdminRecord {
		flags |= pfAdminRecord
	}
	if pr.MustNotFragment {
		flags |= pfMustNotFragment
	}
	if pr.RequestsStatusReport {
		flags |= pfRequestsStatusReport
	}
	if pr.AdminRecord && pr.RequestsStatusReport {
		return 0, ErrBadProcFlags
	}
	buf = append(buf, flags)
	buf = append(buf, byte(pr.CRCType))

	buf = putEID(buf, pr.SourceEID)
	buf = putEID(buf, pr.DestinationEID)
	buf = putEID(buf, pr.ReportToEID)

	if pr.PrevCustodianEID != nil {
		buf = append(buf, 1)
		buf = putEID(buf, *pr.PrevCustodianEID)
	} else {
		buf = append(buf, 0)
	}

	buf = putU64(buf, uint64(pr.Creation.Time))
	buf = putU64(buf, pr.Creation.Seq)
	buf = putU64(buf, pr.LifetimeMillis)

	// Non-payload blocks sit on the list most-recently-appended first; emit
	// them in append order, then the tail (BlockNum 1) blocks, so that
	// DecodeBundle's Append calls rebuild the same list order.
	listed := pr.Canonicals()
	canonicals := make([]*pool.Block, 0, len(listed))
	for i := len(listed) - 1; i >= 0; i-- {
		if c, ok := listed[i].Payload.(*bundle.Canonical); !ok || c.BlockNum != bundle.BlockTypePayload {
			canonicals = append(canonicals, listed[i])
		}
	}
	for _, cb := range listed {
		if c, ok := cb.Payload.(*bundle.Canonical); ok && c.BlockNum == bundle.BlockTypePayload {
			canonicals = append(canonicals, cb)
		}
	}
	if len(canonicals) > MaxCanonicalBlocks {
		return 0, ErrTooManyCanonical
	}
	buf = putU32(buf, uint32(len(canonicals)))

	for _, cb := range canonicals {
		c, ok := cb.Payload.(*bundle.Canonical)
		if !ok {
			return 0, errors.New("cbor: block is not canonical")
		}
		buf = putU64(buf, c.BlockType)
		buf = putU64(buf, c.BlockNum)

		var cflags byte
		if c.BlockType == bundle.BlockTypeCustodyTracking && c.CustodyTracking != nil {
			cflags |= cfCustodyTracking
		}
		if c.BlockType == bundle.BlockTypeCustodyAccept && c.CustodyAccept != nil {
			cflags |= cfCustodyAccept
		}
		buf = append(buf, cflags)

		if cflags&cfCustodyTracking != 0 {
			buf = putEID(buf, c.CustodyTracking.CurrentCustodian)
			buf = putU64(buf, c.CustodyTracking.TransferCount)
		}
		if cflags&cfCustodyAccept != 0 {
			buf = putEID(buf, c.CustodyAccept.FlowSourceEID)
			buf = putU32(buf, uint32(len(c.CustodyAccept.Seqs)))
			for _, seq := range c.CustodyAccept.Seqs {
				buf = putU64(buf, seq)
			}
		}

		data := make([]byte, c.Chunks().Len())
		c.Chunks().Export(data, 0, bundle.NoLimit)
		buf = putU32(buf, uint32(len(data)))
		buf = append(buf, data...)
	}

	if len(buf) > len(out) {
		return 0, ErrTooLong
	}
	n := copy(out, buf)
	return n, nil
}

// DecodeBundle parses a buffer produced by EncodeBundle back into a fresh
// primary block and its canonical/chunk lists, allocated from p.
func (RefCodec) DecodeBundle(ctx context.Context, data []byte, p *pool.Pool, deadline clock.Time, clk clock.Clock) (*pool.Block, error) {
	if data == nil {
		return nil, ErrNullInput
	}
	if len(data) > MaxBundleBytes {
		return nil, ErrTooLong
	}
	if len(data) < 3 {
		return nil, ErrTooShort
	}

	version := data[0]
	flags := data[1]
	crcType := bundle.CRCType(data[2])
	rest := data[3:]

	if version != refCodecVersion {
		return nil, ErrVersionMismatch
	}
	if crcType != bundle.CRC16 && crcType != bundle.CRC32 {
		return nil, ErrUnsupportedCRC
	}
	adminRecord := flags&pfAdminRecord != 0
	requestsStatus := flags&pfRequestsStatusReport != 0
	if adminRecord && requestsStatus {
		return nil, ErrBadProcFlags
	}

	source, rest, err := getEID(rest)
	if err != nil {
		return nil, errors.Wrap(ErrFieldDecode, "source eid")
	}
	dest, rest, err := getEID(rest)
	if err != nil {
		return nil, errors.Wrap(ErrFieldDecode, "destination eid")
	}
	reportTo, rest, err := getEID(rest)
	if err != nil {
		return nil, errors.Wrap(ErrFieldDecode, "report-to eid")
	}

	if len(rest) < 1 {
		return nil, ErrTooShort
	}
	hasPrev := rest[0]
	rest = rest[1:]
	var prevCustodian *bundle.EID
	if hasPrev == 1 {
		var pc bundle.EID
		pc, rest, err = getEID(rest)
		if err != nil {
			return nil, errors.Wrap(ErrFieldDecode, "previous custodian eid")
		}
		prevCustodian = &pc
	}

	creationTime, rest, err := getU64(rest)
	if err != nil {
		return nil, errors.Wrap(ErrFieldDecode, "creation time")
	}
	creationSeq, rest, err := getU64(rest)
	if err != nil {
		return nil, errors.Wrap(ErrFieldDecode, "creation seq")
	}
	lifetime, rest, err := getU64(rest)
	if err != nil {
		return nil, errors.Wrap(ErrFieldDecode, "lifetime")
	}

	count, rest, err := getU32(rest)
	if err != nil {
		return nil, errors.Wrap(ErrFieldDecode, "canonical count")
	}
	if count > MaxCanonicalBlocks {
		return nil, ErrTooManyCanonical
	}

	primaryBlk, pr, err := bundle.AllocPrimary(ctx, p, deadline, clk)
	if err != nil {
		return nil, errors.Wrap(err, "cbor: alloc primary")
	}
	pr.SourceEID = source
	pr.DestinationEID = dest
	pr.ReportToEID = reportTo
	pr.PrevCustodianEID = prevCustodian
	pr.Creation = bundle.Creation{Time: clock.Time(creationTime), Seq: creationSeq}
	pr.LifetimeMillis = lifetime
	pr.CRCType = crcType
	pr.AdminRecord = adminRecord
	pr.MustNotFragment = flags&pfMustNotFragment != 0
	pr.RequestsStatusReport = requestsStatus

	sawPayload := false
	for i := uint32(0); i < count; i++ {
		var blockType, blockNum uint64
		blockType, rest, err = getU64(rest)
		if err != nil {
			p.Release(primaryBlk)
			return nil, errors.Wrap(ErrFieldDecode, "canonical block type")
		}
		blockNum, rest, err = getU64(rest)
		if err != nil {
			p.Release(primaryBlk)
			return nil, errors.Wrap(ErrFieldDecode, "canonical block num")
		}
		if len(rest) < 1 {
			p.Release(primaryBlk)
			return nil, ErrTooShort
		}
		cflags := rest[0]
		rest = rest[1:]

		cblk, c, err := bundle.AllocCanonical(ctx, p, blockType, blockNum, deadline, clk)
		if err != nil {
			p.Release(primaryBlk)
			return nil, errors.Wrap(err, "cbor: alloc canonical")
		}

		if cflags&cfCustodyTracking != 0 {
			var custodian bundle.EID
			custodian, rest, err = getEID(rest)
			if err != nil {
				p.Release(cblk)
				p.Release(primaryBlk)
				return nil, errors.Wrap(ErrFieldDecode, "custody tracking custodian")
			}
			var transferCount uint64
			transferCount, rest, err = getU64(rest)
			if err != nil {
				p.Release(cblk)
				p.Release(primaryBlk)
				return nil, errors.Wrap(ErrFieldDecode, "custody tracking transfer count")
			}
			c.CustodyTracking = &bundle.CustodyTrackingContent{
				CurrentCustodian: custodian,
				TransferCount:    transferCount,
			}
		}

		if cflags&cfCustodyAccept != 0 {
			var flowSource bundle.EID
			flowSource, rest, err = getEID(rest)
			if err != nil {
				p.Release(cblk)
				p.Release(primaryBlk)
				return nil, errors.Wrap(ErrFieldDecode, "custody accept flow source eid")
			}
			var seqCount uint32
			seqCount, rest, err = getU32(rest)
			if err != nil {
				p.Release(cblk)
				p.Release(primaryBlk)
				return nil, errors.Wrap(ErrFieldDecode, "custody accept seq count")
			}
			seqs := make([]uint64, seqCount)
			for i := range seqs {
				seqs[i], rest, err = getU64(rest)
				if err != nil {
					p.Release(cblk)
					p.Release(primaryBlk)
					return nil, errors.Wrap(ErrFieldDecode, "custody accept seq")
				}
			}
			c.CustodyAccept = &bundle.CustodyAcceptContent{
				FlowSourceEID: flowSource,
				Seqs:          seqs,
			}
		}

		var dataLen uint32
		dataLen, rest, err = getU32(rest)
		if err != nil {
			p.Release(cblk)
			p.Release(primaryBlk)
			return nil, errors.Wrap(ErrFieldDecode, "canonical data length")
		}
		if uint32(len(rest)) < dataLen {
			p.Release(cblk)
			p.Release(primaryBlk)
			return nil, ErrTooShort
		}
		payload := rest[:dataLen]
		rest = rest[dataLen:]

		if len(payload) > 0 {
			if err := c.Chunks().Append(ctx, payload, deadline, clk); err != nil {
				p.Release(cblk)
				p.Release(primaryBlk)
				return nil, errors.Wrap(err, "cbor: append chunk data")
			}
		}

		if blockType == bundle.BlockTypePayload {
			sawPayload = true
		}
		pr.Append(cblk)
	}

	if !sawPayload {
		p.Release(primaryBlk)
		return nil, ErrNoPayload
	}

	return primaryBlk, nil
}

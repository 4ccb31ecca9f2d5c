/*
 * Copyright (c) 2024 Jesse Nich
 */
package zoned

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/miekg/dns"

	"github.com/jessenich/DnsServer/zoned/ixfr"
)

// Persisted zone format: a versioned binary blob. One version byte,
// then tagged field encodings: strings length-prefixed UTF-8, integers
// little-endian, timestamps as 64-bit UTC ticks, resource records in
// wire form behind a length prefix. The external persistence
// collaborator moves the blob to and from disk.

const zoneBlobVersion = 1

func writeU8(w io.Writer, v uint8) error   { return binary.Write(w, binary.LittleEndian, v) }
func writeU16(w io.Writer, v uint16) error { return binary.Write(w, binary.LittleEndian, v) }
func writeU32(w io.Writer, v uint32) error { return binary.Write(w, binary.LittleEndian, v) }
func writeI64(w io.Writer, v int64) error  { return binary.Write(w, binary.LittleEndian, v) }

func writeBool(w io.Writer, v bool) error {
	if v {
		return writeU8(w, 1)
	}
	return writeU8(w, 0)
}

func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("string of %d bytes: %w", len(s), ErrOutOfRange)
	}
	if err := writeU16(w, uint16(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func writeRR(w io.Writer, rr dns.RR) error {
	buf := make([]byte, dns.Len(rr)+64)
	off, err := dns.PackRR(rr, buf, 0, nil, false)
	if err != nil {
		return fmt.Errorf("writeRR: failed to pack %s: %v", rr.String(), err)
	}
	if err := writeU16(w, uint16(off)); err != nil {
		return err
	}
	_, err = w.Write(buf[:off])
	return err
}

func readU8(r io.Reader) (uint8, error) {
	var v uint8
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readU16(r io.Reader) (uint16, error) {
	var v uint16
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readU32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readI64(r io.Reader) (int64, error) {
	var v int64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readBool(r io.Reader) (bool, error) {
	v, err := readU8(r)
	return v != 0, err
}

func readString(r io.Reader) (string, error) {
	n, err := readU16(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readRR(r io.Reader) (dns.RR, error) {
	n, err := readU16(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	rr, _, err := dns.UnpackRR(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("readRR: %v", err)
	}
	return rr, nil
}

func writeInfo(w io.Writer, info *RecordInfo) error {
	if err := writeBool(w, info != nil); err != nil {
		return err
	}
	if info == nil {
		return nil
	}
	if err := writeBool(w, info.Disabled); err != nil {
		return err
	}
	if err := writeString(w, info.Comment); err != nil {
		return err
	}
	var ticks int64
	if !info.DeletedOn.IsZero() {
		ticks = info.DeletedOn.UTC().UnixNano()
	}
	if err := writeI64(w, ticks); err != nil {
		return err
	}
	if err := writeU16(w, uint16(len(info.Glue))); err != nil {
		return err
	}
	for _, g := range info.Glue {
		if err := writeRR(w, g); err != nil {
			return err
		}
	}
	return nil
}

func readInfo(r io.Reader) (*RecordInfo, error) {
	present, err := readBool(r)
	if err != nil || !present {
		return nil, err
	}
	info := &RecordInfo{}
	if info.Disabled, err = readBool(r); err != nil {
		return nil, err
	}
	if info.Comment, err = readString(r); err != nil {
		return nil, err
	}
	ticks, err := readI64(r)
	if err != nil {
		return nil, err
	}
	if ticks != 0 {
		info.DeletedOn = time.Unix(0, ticks).UTC()
	}
	glueCount, err := readU16(r)
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(glueCount); i++ {
		g, err := readRR(r)
		if err != nil {
			return nil, err
		}
		info.Glue = append(info.Glue, g)
	}
	return info, nil
}

// WriteZoneBlob serialises the zone: records, keys and key state, and
// the journal.
func (zd *ZoneData) WriteZoneBlob(w io.Writer) error {
	if err := writeU8(w, zoneBlobVersion); err != nil {
		return err
	}
	if err := writeString(w, zd.ZoneName); err != nil {
		return err
	}
	if err := writeU8(w, uint8(zd.ZoneType)); err != nil {
		return err
	}
	if err := writeU8(w, uint8(zd.DnssecStatus)); err != nil {
		return err
	}
	if err := writeBool(w, zd.Internal); err != nil {
		return err
	}
	if err := writeU32(w, zd.CurrentSerial); err != nil {
		return err
	}

	if err := writeBool(w, zd.Nsec3Param != nil); err != nil {
		return err
	}
	if zd.Nsec3Param != nil {
		if err := writeU16(w, zd.Nsec3Param.Iterations); err != nil {
			return err
		}
		if err := writeString(w, zd.Nsec3Param.Salt); err != nil {
			return err
		}
	}

	// Records, flattened: RRSIGs travel as ordinary records and are
	// reattached to their covered RRset on load.
	var rrs []dns.RR
	var infos []*RecordInfo
	for item := range zd.Data.IterBuffered() {
		for _, rrtype := range item.Val.RRtypes.Keys() {
			rrset, _ := item.Val.RRtypes.Get(rrtype)
			for i, rr := range rrset.RRs {
				rrs = append(rrs, rr)
				infos = append(infos, infoAt(&rrset, i))
			}
			for _, sig := range rrset.RRSIGs {
				rrs = append(rrs, sig)
				infos = append(infos, nil)
			}
		}
	}
	if err := writeU32(w, uint32(len(rrs))); err != nil {
		return err
	}
	for i, rr := range rrs {
		if err := writeRR(w, rr); err != nil {
			return err
		}
		if err := writeInfo(w, infos[i]); err != nil {
			return err
		}
	}

	// Keys and key state.
	keys := zd.KeyDB.AllKeys(zd.ZoneName)
	if err := writeU16(w, uint16(len(keys))); err != nil {
		return err
	}
	for _, dk := range keys {
		if err := writeString(w, dk.PrivateKey); err != nil {
			return err
		}
		if err := writeString(w, dk.DnskeyRR.String()); err != nil {
			return err
		}
		if err := writeU8(w, uint8(dk.State)); err != nil {
			return err
		}
		if err := writeI64(w, dk.StateChanged.UTC().UnixNano()); err != nil {
			return err
		}
		if err := writeU16(w, dk.RolloverDays); err != nil {
			return err
		}
		if err := writeBool(w, dk.IsRetiring); err != nil {
			return err
		}
	}

	// Journal.
	seqs := zd.Journal.Snapshot()
	if err := writeU32(w, uint32(len(seqs))); err != nil {
		return err
	}
	for _, seq := range seqs {
		if err := writeU32(w, seq.StartSOASerial); err != nil {
			return err
		}
		if err := writeU32(w, seq.EndSOASerial); err != nil {
			return err
		}
		if err := writeString(w, seq.CommitID); err != nil {
			return err
		}
		if err := writeI64(w, seq.CommitTime.UTC().UnixNano()); err != nil {
			return err
		}
		if err := writeU32(w, uint32(len(seq.DeletedRecords))); err != nil {
			return err
		}
		for _, rr := range seq.DeletedRecords {
			if err := writeRR(w, rr); err != nil {
				return err
			}
		}
		if err := writeU32(w, uint32(len(seq.AddedRecords))); err != nil {
			return err
		}
		for _, rr := range seq.AddedRecords {
			if err := writeRR(w, rr); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadZoneBlob reconstructs a zone from its persisted form. Keys are
// re-imported into kdb.
func ReadZoneBlob(r io.Reader, kdb *KeyDB) (*ZoneData, error) {
	version, err := readU8(r)
	if err != nil {
		return nil, err
	}
	if version != zoneBlobVersion {
		return nil, fmt.Errorf("zone blob version %d: %w", version, ErrUnsupportedFormat)
	}

	zonename, err := readString(r)
	if err != nil {
		return nil, err
	}
	zd := NewZoneData(zonename, kdb)

	ztype, err := readU8(r)
	if err != nil {
		return nil, err
	}
	zd.ZoneType = ZoneType(ztype)
	status, err := readU8(r)
	if err != nil {
		return nil, err
	}
	zd.DnssecStatus = DnssecStatus(status)
	if zd.Internal, err = readBool(r); err != nil {
		return nil, err
	}
	if zd.CurrentSerial, err = readU32(r); err != nil {
		return nil, err
	}

	hasNsec3, err := readBool(r)
	if err != nil {
		return nil, err
	}
	if hasNsec3 {
		iterations, err := readU16(r)
		if err != nil {
			return nil, err
		}
		salt, err := readString(r)
		if err != nil {
			return nil, err
		}
		zd.Nsec3Param = &dns.NSEC3PARAM{Hash: dns.SHA1, Iterations: iterations, Salt: salt,
			SaltLength: uint8(len(salt) / 2)}
	}

	rrCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < rrCount; i++ {
		rr, err := readRR(r)
		if err != nil {
			return nil, err
		}
		info, err := readInfo(r)
		if err != nil {
			return nil, err
		}
		owner := zd.GetOrCreateOwner(rr.Header().Name)
		if sig, ok := rr.(*dns.RRSIG); ok {
			owner.RRtypes.Upsert(sig.TypeCovered, func(cur RRset, exists bool) RRset {
				cur.Name = CanonicalName(rr.Header().Name)
				cur.RRSIGs = append(cur.RRSIGs, sig)
				return cur
			})
			continue
		}
		owner.RRtypes.Upsert(rr.Header().Rrtype, func(cur RRset, exists bool) RRset {
			cur.Name = CanonicalName(rr.Header().Name)
			cur.RRs = append(cur.RRs, rr)
			cur.Infos = append(cur.Infos, info)
			return cur
		})
	}

	keyCount, err := readU16(r)
	if err != nil {
		return nil, err
	}
	for i := uint16(0); i < keyCount; i++ {
		privatekey, err := readString(r)
		if err != nil {
			return nil, err
		}
		keyrrstr, err := readString(r)
		if err != nil {
			return nil, err
		}
		state, err := readU8(r)
		if err != nil {
			return nil, err
		}
		ticks, err := readI64(r)
		if err != nil {
			return nil, err
		}
		rolloverdays, err := readU16(r)
		if err != nil {
			return nil, err
		}
		retiring, err := readBool(r)
		if err != nil {
			return nil, err
		}

		dk, err := PrepareDnssecKey(privatekey, keyrrstr)
		if err != nil {
			return nil, err
		}
		dk.ZoneName = zd.ZoneName
		dk.State = KeyState(state)
		dk.StateChanged = time.Unix(0, ticks).UTC()
		dk.RolloverDays = rolloverdays
		dk.IsRetiring = retiring
		if err := kdb.ImportKey(dk); err != nil {
			return nil, err
		}
	}

	seqCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < seqCount; i++ {
		var seq ixfr.DiffSequence
		if seq.StartSOASerial, err = readU32(r); err != nil {
			return nil, err
		}
		if seq.EndSOASerial, err = readU32(r); err != nil {
			return nil, err
		}
		if seq.CommitID, err = readString(r); err != nil {
			return nil, err
		}
		ticks, err := readI64(r)
		if err != nil {
			return nil, err
		}
		seq.CommitTime = time.Unix(0, ticks).UTC()
		delCount, err := readU32(r)
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < delCount; j++ {
			rr, err := readRR(r)
			if err != nil {
				return nil, err
			}
			seq.DeletedRecords = append(seq.DeletedRecords, rr)
		}
		addCount, err := readU32(r)
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < addCount; j++ {
			rr, err := readRR(r)
			if err != nil {
				return nil, err
			}
			seq.AddedRecords = append(seq.AddedRecords, rr)
		}
		zd.Journal.Append(seq)
	}

	return zd, nil
}

// ToBytes is a convenience wrapper around WriteZoneBlob.
func (zd *ZoneData) ToBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := zd.WriteZoneBlob(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FromBytes is a convenience wrapper around ReadZoneBlob.
func FromBytes(data []byte, kdb *KeyDB) (*ZoneData, error) {
	return ReadZoneBlob(bytes.NewReader(data), kdb)
}

/*
 * Copyright (c) 2024 Jesse Nich
 */
package zoned

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"github.com/jessenich/DnsServer/zoned/ixfr"
)

// Append records one commit. Caller is the commit path, which holds the
// zone's journal mutex; the journal's own lock still guards against
// concurrent readers rendering IXFR responses.
func (j *Journal) Append(seq ixfr.DiffSequence) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Seqs = append(j.Seqs, seq)
}

// TrimOlderThan evicts the oldest contiguous commits whose age exceeds
// maxAge. Whole commit boundaries only; never fails user-visibly.
func (j *Journal) TrimOlderThan(maxAge time.Duration, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	cut := 0
	for cut < len(j.Seqs) && now.Sub(j.Seqs[cut].CommitTime) > maxAge {
		cut++
	}
	if cut > 0 {
		j.Seqs = append([]ixfr.DiffSequence{}, j.Seqs[cut:]...)
	}
}

// Snapshot returns a copy of the journal's sequence list.
func (j *Journal) Snapshot() []ixfr.DiffSequence {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]ixfr.DiffSequence, len(j.Seqs))
	copy(out, j.Seqs)
	return out
}

func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.Seqs)
}

// CommitAndIncrementSerial is the single commit path: it journals the
// change set, bumps the SOA serial, replaces the apex SOA and (when
// signed) its signatures. Returns the new serial. Internal zones skip
// journaling and serial bumping entirely.
//
// The deleted and added lists must already be in journal order for the
// commit: each deleted non-disabled record (with glue for NS) followed
// by deleted RRSIGs, resp. added records followed by new RRSIGs. The
// old and new SOA plus the SOA signature pair are supplied here.
func (zd *ZoneData) CommitAndIncrementSerial(deleted, added []dns.RR) (uint32, error) {
	if zd.Internal {
		return zd.CurrentSerial, nil
	}

	zd.mu.Lock()
	defer zd.mu.Unlock()

	apex := zd.GetOwner(zd.ZoneName)
	if apex == nil {
		return 0, fmt.Errorf("zone %s: %w: no apex owner", zd.ZoneName, ErrInvalidInput)
	}
	oldSOASet, exists := apex.RRtypes.Get(dns.TypeSOA)
	if !exists || len(oldSOASet.RRs) == 0 {
		return 0, fmt.Errorf("zone %s: %w: no SOA at apex", zd.ZoneName, ErrInvalidInput)
	}
	oldSOA := oldSOASet.RRs[0].(*dns.SOA)

	// The commit may carry its own SOA among the additions; otherwise
	// the serial is a plain wrapping increment.
	var suppliedSOA *dns.SOA
	addedNoSOA := make([]dns.RR, 0, len(added))
	for _, rr := range added {
		if soa, ok := rr.(*dns.SOA); ok && CanonicalName(rr.Header().Name) == zd.ZoneName {
			suppliedSOA = soa
			continue
		}
		addedNoSOA = append(addedNoSOA, rr)
	}

	var newSerial uint32
	var newSOA *dns.SOA
	if suppliedSOA != nil {
		newSerial = ChooseSerial(oldSOA.Serial, suppliedSOA.Serial)
		cp := *suppliedSOA
		newSOA = &cp
	} else {
		newSerial = NextSerial(oldSOA.Serial)
		cp := *oldSOA
		newSOA = &cp
	}
	newSOA.Serial = newSerial
	newSOA.Hdr.Name = zd.ZoneName

	newSOASet := RRset{
		Name:  zd.ZoneName,
		RRs:   []dns.RR{newSOA},
		Infos: []*RecordInfo{nil},
	}

	var oldSOASigs, newSOASigs []dns.RR
	if zd.DnssecStatus != Unsigned {
		oldSOASigs = oldSOASet.RRSIGs
		if _, err := zd.SignRRset(&newSOASet, true); err != nil {
			return 0, err
		}
		newSOASigs = newSOASet.RRSIGs
	}

	apex.RRtypes.Set(dns.TypeSOA, newSOASet)
	zd.CurrentSerial = newSerial

	// The outgoing SOA set gets a DeletedOn mark, but that set is not
	// stored anywhere after this point: the journal keeps the plain SOA
	// record, and the sequence's CommitTime records when it left the zone.
	deletedOldSOA := *oldSOA
	oldSOASet.Infos = []*RecordInfo{{DeletedOn: time.Now().UTC()}}

	seq := ixfr.DiffSequence{
		StartSOASerial: oldSOA.Serial,
		EndSOASerial:   newSerial,
		CommitID:       uuid.NewString(),
		CommitTime:     time.Now().UTC(),
	}
	seq.DeletedRecords = append(seq.DeletedRecords, &deletedOldSOA)
	seq.DeletedRecords = append(seq.DeletedRecords, deleted...)
	seq.DeletedRecords = append(seq.DeletedRecords, oldSOASigs...)
	seq.AddedRecords = append(seq.AddedRecords, newSOA)
	seq.AddedRecords = append(seq.AddedRecords, addedNoSOA...)
	seq.AddedRecords = append(seq.AddedRecords, newSOASigs...)
	zd.Journal.Append(seq)

	zd.Journal.TrimOlderThan(time.Duration(newSOA.Expire)*time.Second, time.Now().UTC())

	zd.Dirty = true
	return newSerial, nil
}

// IxfrResponse renders the answer section for an IXFR request starting
// at fromSerial. ok is false when the journal no longer covers the
// range and the caller must answer with a full AXFR instead.
func (zd *ZoneData) IxfrResponse(fromSerial uint32) ([]dns.RR, bool) {
	transfer, ok := ixfr.FromJournal(zd.Journal.Snapshot(), fromSerial)
	if !ok {
		return nil, false
	}
	soa, err := zd.GetSOA()
	if err != nil {
		return nil, false
	}
	answer := transfer.ToAnswerSection(func(serial uint32) dns.RR {
		cp := *soa
		cp.Serial = serial
		return &cp
	})
	return answer, true
}

/*
 * Copyright (c) 2024 Jesse Nich
 */
package zoned

import (
	"fmt"

	"github.com/gookit/goutil/dump"
	"github.com/miekg/dns"
	"github.com/spf13/viper"
)

// The zone facade: every mutation enters here, gets validated, is
// applied to the record store, re-signs and repairs the denial chain
// when the zone is signed, and leaves through one journal commit plus a
// notify trigger.

// NewPrimaryZone creates a zone from scratch: apex SOA plus NS.
func NewPrimaryZone(zonename string, soa *dns.SOA, nsNames []string, kdb *KeyDB) (*ZoneData, error) {
	if _, ok := dns.IsDomainName(zonename); !ok {
		return nil, fmt.Errorf("zone name %q: %w", zonename, ErrInvalidInput)
	}
	zd := NewZoneData(zonename, kdb)

	soa.Hdr = dns.RR_Header{Name: zd.ZoneName, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: soa.Hdr.Ttl}
	if soa.Serial == 0 {
		soa.Serial = 1
	}
	if err := validateSoaTimers(soa); err != nil {
		return nil, err
	}
	apex := zd.GetOrCreateOwner(zd.ZoneName)
	apex.RRtypes.Set(dns.TypeSOA, RRset{Name: zd.ZoneName, RRs: []dns.RR{soa}, Infos: []*RecordInfo{nil}})
	zd.CurrentSerial = soa.Serial

	nsSet := RRset{Name: zd.ZoneName}
	for _, ns := range nsNames {
		nsrr := &dns.NS{
			Hdr: dns.RR_Header{Name: zd.ZoneName, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: soa.Hdr.Ttl},
			Ns:  dns.Fqdn(ns),
		}
		nsSet.RRs = append(nsSet.RRs, nsrr)
		nsSet.Infos = append(nsSet.Infos, nil)
	}
	if len(nsSet.RRs) > 0 {
		apex.RRtypes.Set(dns.TypeNS, nsSet)
	}
	return zd, nil
}

func validateSoaTimers(soa *dns.SOA) error {
	if soa.Hdr.Ttl > soa.Expire {
		return fmt.Errorf("SOA TTL %d > EXPIRE %d: %w", soa.Hdr.Ttl, soa.Expire, ErrOutOfRange)
	}
	if soa.Retry > soa.Refresh {
		return fmt.Errorf("SOA RETRY %d > REFRESH %d: %w", soa.Retry, soa.Refresh, ErrOutOfRange)
	}
	if soa.Refresh > soa.Expire {
		return fmt.Errorf("SOA REFRESH %d > EXPIRE %d: %w", soa.Refresh, soa.Expire, ErrOutOfRange)
	}
	return nil
}

// validateMutation enforces the shared facade restrictions for a
// mutation of rrtype at owner.
func (zd *ZoneData) validateMutation(owner string, rrtype uint16, rrset *RRset) error {
	owner = CanonicalName(owner)
	if !dns.IsSubDomain(zd.ZoneName, owner) {
		return fmt.Errorf("%s is outside zone %s: %w", owner, zd.ZoneName, ErrInvalidInput)
	}
	if _, ok := dns.IsDomainName(owner); !ok {
		return fmt.Errorf("owner name %q: %w", owner, ErrInvalidInput)
	}
	if InternalRRType(rrtype) {
		return fmt.Errorf("%s is maintained internally: %w", dns.TypeToString[rrtype], ErrInvalidInput)
	}
	if rrtype == TypeFWD {
		return fmt.Errorf("FWD records are not supported by a primary zone: %w", ErrInvalidInput)
	}
	if owner == zd.ZoneName {
		if rrtype == dns.TypeCNAME {
			return fmt.Errorf("CNAME at apex: %w", ErrInvalidApexOperation)
		}
		if rrtype == dns.TypeDS {
			return fmt.Errorf("DS at apex: %w", ErrInvalidApexOperation)
		}
	}
	if zd.DnssecStatus != Unsigned {
		if UnsupportedInSignedZone(rrtype) {
			return fmt.Errorf("%s %s: %w", owner, dns.TypeToString[rrtype], ErrUnsupportedInSignedZone)
		}
		if rrset != nil && rrset.HasDisabled() {
			return fmt.Errorf("%s %s: disabled record: %w", owner, dns.TypeToString[rrtype], ErrUnsupportedInSignedZone)
		}
	}
	return nil
}

// SetRecords replaces the RRset of rrtype at owner.
func (zd *ZoneData) SetRecords(owner string, rrtype uint16, rrset RRset) error {
	owner = CanonicalName(owner)
	if err := zd.validateMutation(owner, rrtype, &rrset); err != nil {
		return err
	}

	if rrtype == dns.TypeSOA {
		return zd.setSoaRecords(owner, rrset)
	}

	// Applying the identical RRset twice is a no-op: no journal entry,
	// serial unchanged.
	if cur := zd.GetRRset(owner, rrtype); cur != nil && sameRRset(cur, &rrset) {
		return nil
	}

	deleted := zd.SetRRset(owner, rrtype, rrset)

	journalDel := expandForJournal(deleted, nil)
	journalAdd := expandForJournal(rrset.RRs, rrset.Infos)

	if zd.DnssecStatus != Unsigned {
		d, a, err := zd.updateDnssecRecords(owner, rrtype)
		if err != nil {
			return err
		}
		journalDel = append(journalDel, d...)
		journalAdd = append(journalAdd, a...)
	}

	if _, err := zd.CommitAndIncrementSerial(journalDel, journalAdd); err != nil {
		return err
	}
	zd.debugDump("SetRecords", owner, rrtype)
	if zd.Notifier != nil {
		zd.Notifier.TriggerNotify()
	}
	return nil
}

// setSoaRecords handles the SOA special case: the commit path owns the
// apex SOA replacement and serial choice, so the new SOA rides in as a
// commit addition instead of being applied to the store first.
func (zd *ZoneData) setSoaRecords(owner string, rrset RRset) error {
	if owner != zd.ZoneName {
		return fmt.Errorf("SOA below apex: %w", ErrInvalidApexOperation)
	}
	if len(rrset.RRs) != 1 {
		return fmt.Errorf("SOA RRset must have exactly one member: %w", ErrInvalidInput)
	}
	soa, ok := rrset.RRs[0].(*dns.SOA)
	if !ok {
		return fmt.Errorf("SOA RRset carries a non-SOA record: %w", ErrInvalidInput)
	}
	if err := validateSoaTimers(soa); err != nil {
		return err
	}

	var minimumChanged bool
	if old, err := zd.GetSOA(); err == nil && old.Minttl != soa.Minttl {
		minimumChanged = true
	}

	if _, err := zd.CommitAndIncrementSerial(nil, []dns.RR{soa}); err != nil {
		return err
	}

	if minimumChanged && zd.DnssecStatus != Unsigned {
		// The SOA minimum is the denial TTL; re-issue the chain.
		if err := zd.RefreshDenialChain(); err != nil {
			return err
		}
	}

	zd.debugDump("SetRecords", owner, dns.TypeSOA)
	if zd.Notifier != nil {
		zd.Notifier.TriggerNotify()
	}
	return nil
}

// sameRRset compares two RRsets member-wise on (name, type, class,
// rdata) plus TTL.
func sameRRset(a, b *RRset) bool {
	if len(a.RRs) != len(b.RRs) {
		return false
	}
	for _, rr := range b.RRs {
		if !containsRR(a.RRs, rr) {
			return false
		}
	}
	return true
}

// AddRecord merges one record into its RRset. APP records cannot be
// added record-wise; they must be set.
func (zd *ZoneData) AddRecord(rr dns.RR, info *RecordInfo) error {
	owner := CanonicalName(rr.Header().Name)
	rrtype := rr.Header().Rrtype
	if rrtype == TypeAPP {
		return fmt.Errorf("APP records must be set, not added: %w", ErrInvalidInput)
	}
	if rrtype == dns.TypeSOA {
		return fmt.Errorf("SOA cannot be added: %w", ErrInvalidApexOperation)
	}
	probe := RRset{Name: owner, RRs: []dns.RR{rr}, Infos: []*RecordInfo{info}}
	if err := zd.validateMutation(owner, rrtype, &probe); err != nil {
		return err
	}

	added, deleted := zd.AddRR(owner, rr, info)
	if !added {
		// exact duplicate; idempotent
		return nil
	}

	journalDel := expandForJournal(deleted, nil)
	journalAdd := expandForJournal([]dns.RR{rr}, []*RecordInfo{info})

	if zd.DnssecStatus != Unsigned {
		d, a, err := zd.updateDnssecRecords(owner, rrtype)
		if err != nil {
			return err
		}
		journalDel = append(journalDel, d...)
		journalAdd = append(journalAdd, a...)
	}

	if _, err := zd.CommitAndIncrementSerial(journalDel, journalAdd); err != nil {
		return err
	}
	zd.debugDump("AddRecord", owner, rrtype)
	if zd.Notifier != nil {
		zd.Notifier.TriggerNotify()
	}
	return nil
}

// DeleteRecords removes the whole RRset of rrtype at owner.
func (zd *ZoneData) DeleteRecords(owner string, rrtype uint16) error {
	owner = CanonicalName(owner)
	if rrtype == dns.TypeSOA {
		return fmt.Errorf("SOA cannot be deleted: %w", ErrInvalidApexOperation)
	}
	if InternalRRType(rrtype) {
		return fmt.Errorf("%s is maintained internally: %w", dns.TypeToString[rrtype], ErrInvalidInput)
	}

	deleted := zd.DeleteRRset(owner, rrtype)
	if len(deleted) == 0 {
		return nil
	}
	return zd.finishDelete(owner, rrtype, deleted)
}

// DeleteRecord removes one record by rdata.
func (zd *ZoneData) DeleteRecord(owner string, rr dns.RR) error {
	owner = CanonicalName(owner)
	rrtype := rr.Header().Rrtype
	if rrtype == dns.TypeSOA {
		return fmt.Errorf("SOA cannot be deleted: %w", ErrInvalidApexOperation)
	}
	if InternalRRType(rrtype) {
		return fmt.Errorf("%s is maintained internally: %w", dns.TypeToString[rrtype], ErrInvalidInput)
	}

	deleted := zd.DeleteRR(owner, rr)
	if len(deleted) == 0 {
		return nil
	}
	return zd.finishDelete(owner, rrtype, deleted)
}

func (zd *ZoneData) finishDelete(owner string, rrtype uint16, deleted []dns.RR) error {
	journalDel := expandForJournal(deleted, nil)

	var journalAdd []dns.RR
	if zd.DnssecStatus != Unsigned {
		d, a, err := zd.updateDnssecRecords(owner, rrtype)
		if err != nil {
			return err
		}
		journalDel = append(journalDel, d...)
		journalAdd = append(journalAdd, a...)
	}

	if _, err := zd.CommitAndIncrementSerial(journalDel, journalAdd); err != nil {
		return err
	}
	if zd.Notifier != nil {
		zd.Notifier.TriggerNotify()
	}
	return nil
}

// UpdateRecord replaces one record with another of the same type,
// possibly under a different owner name.
func (zd *ZoneData) UpdateRecord(oldRR, newRR dns.RR, info *RecordInfo) error {
	if oldRR.Header().Rrtype != newRR.Header().Rrtype {
		return fmt.Errorf("update cannot change record type: %w", ErrInvalidInput)
	}
	rrtype := newRR.Header().Rrtype
	newOwner := CanonicalName(newRR.Header().Name)
	oldOwner := CanonicalName(oldRR.Header().Name)

	probe := RRset{Name: newOwner, RRs: []dns.RR{newRR}, Infos: []*RecordInfo{info}}
	if err := zd.validateMutation(newOwner, rrtype, &probe); err != nil {
		return err
	}
	if soa, err := zd.GetSOA(); err == nil && newRR.Header().Ttl > soa.Expire {
		return fmt.Errorf("TTL %d > EXPIRE %d: %w", newRR.Header().Ttl, soa.Expire, ErrOutOfRange)
	}
	if zd.DnssecStatus != Unsigned && info != nil && info.Disabled {
		return fmt.Errorf("%s %s: disabled record: %w", newOwner, dns.TypeToString[rrtype], ErrUnsupportedInSignedZone)
	}

	deleted := zd.DeleteRR(oldOwner, oldRR)
	_, displaced := zd.AddRR(newOwner, newRR, info)
	deleted = append(deleted, displaced...)

	journalDel := expandForJournal(deleted, nil)
	journalAdd := expandForJournal([]dns.RR{newRR}, []*RecordInfo{info})

	if zd.DnssecStatus != Unsigned {
		d, a, err := zd.updateDnssecRecords(oldOwner, rrtype)
		if err != nil {
			return err
		}
		journalDel = append(journalDel, d...)
		journalAdd = append(journalAdd, a...)
		if newOwner != oldOwner {
			d, a, err = zd.updateDnssecRecords(newOwner, rrtype)
			if err != nil {
				return err
			}
			journalDel = append(journalDel, d...)
			journalAdd = append(journalAdd, a...)
		}
	}

	if _, err := zd.CommitAndIncrementSerial(journalDel, journalAdd); err != nil {
		return err
	}
	if zd.Notifier != nil {
		zd.Notifier.TriggerNotify()
	}
	return nil
}

// updateDnssecRecords refreshes the DNSSEC view of one (owner, rrtype):
// the RRset's signatures and the denial entries around the owner. The
// returned deltas join the caller's journal commit.
func (zd *ZoneData) updateDnssecRecords(owner string, rrtype uint16) (deleted, added []dns.RR, err error) {
	zd.dnssecMu.Lock()
	defer zd.dnssecMu.Unlock()

	if zd.shouldSignRRset(owner, rrtype) {
		if od := zd.GetOwner(owner); od != nil {
			if rrset, exists := od.RRtypes.Get(rrtype); exists && len(rrset.RRs) > 0 {
				before := append([]dns.RR{}, rrset.RRSIGs...)
				if _, err := zd.SignRRset(&rrset, true); err != nil {
					return nil, nil, err
				}
				od.RRtypes.Set(rrtype, rrset)
				deleted = append(deleted, diffRRs(before, rrset.RRSIGs)...)
				added = append(added, diffRRs(rrset.RRSIGs, before)...)
			}
		}
	}

	d, a, err := zd.UpdateDenialForOwner(owner)
	if err != nil {
		return deleted, added, err
	}
	deleted = append(deleted, d...)
	added = append(added, a...)
	return deleted, added, nil
}

// UpdateDenialForOwner dispatches the per-owner denial repair for the
// zone's current mode. Callers hold dnssecMu.
func (zd *ZoneData) UpdateDenialForOwner(owner string) (deleted, added []dns.RR, err error) {
	switch zd.DnssecStatus {
	case SignedWithNSEC:
		return zd.UpdateNsecForOwner(owner)
	case SignedWithNSEC3:
		return zd.UpdateNsec3ForOwner(owner)
	}
	return nil, nil, nil
}

// RefreshDenialChain rebuilds the whole chain, e.g. after the SOA
// minimum (the denial TTL) changed.
func (zd *ZoneData) RefreshDenialChain() error {
	zd.dnssecMu.Lock()
	defer zd.dnssecMu.Unlock()
	switch zd.DnssecStatus {
	case SignedWithNSEC:
		return zd.GenerateNsecChain()
	case SignedWithNSEC3:
		return zd.GenerateNsec3Chain(zd.Nsec3Param)
	}
	return nil
}

// expandForJournal filters disabled records out of a journal list and
// expands NS glue behind each NS record, per the journal entry order.
func expandForJournal(rrs []dns.RR, infos []*RecordInfo) []dns.RR {
	var out []dns.RR
	for i, rr := range rrs {
		var info *RecordInfo
		if i < len(infos) {
			info = infos[i]
		}
		if info != nil && info.Disabled {
			continue
		}
		out = append(out, rr)
		if rr.Header().Rrtype == dns.TypeNS && info != nil {
			out = append(out, info.Glue...)
		}
	}
	return out
}

func (zd *ZoneData) debugDump(op, owner string, rrtype uint16) {
	if !viper.GetBool("debug") {
		return
	}
	zd.logf("%s: zone %s owner %s type %s:", op, zd.ZoneName, owner, dns.TypeToString[rrtype])
	if rrset := zd.GetRRset(owner, rrtype); rrset != nil {
		dump.P(rrset.RRs)
	}
}

/*
 * Copyright (c) 2024 Jesse Nich
 */
package zoned

import (
	"fmt"

	"github.com/miekg/dns"
)

// The NSEC chain lists every non-empty authoritative owner in canonical
// order. The chain is never stored as a linked structure: it is a flat
// sorted sequence of owner names and the next pointers are recomputed on
// mutation. Callers hold dnssecMu.

// chainOwnerNames returns the canonical-sorted names that participate in
// the denial chain: authoritative owners with at least one RRset,
// excluding names strictly below a delegation cut (glue is not
// authoritative).
func (zd *ZoneData) chainOwnerNames() []string {
	var names []string
	for _, name := range zd.GetOwnerNames() {
		if zd.belowDelegation(name) {
			continue
		}
		owner := zd.GetOwner(name)
		if owner == nil {
			continue
		}
		// An owner left holding only denial data does not anchor a chain
		// entry of its own.
		hasData := false
		for _, rrtype := range owner.RRtypes.Keys() {
			if rrtype != dns.TypeNSEC && rrtype != dns.TypeNSEC3 {
				hasData = true
				break
			}
		}
		if hasData {
			names = append(names, name)
		}
	}
	SortCanonical(names)
	return names
}

func (zd *ZoneData) belowDelegation(qname string) bool {
	qname = CanonicalName(qname)
	if qname == zd.ZoneName {
		return false
	}
	labels := dns.SplitDomainName(qname)
	for i := 1; i < len(labels); i++ {
		parent := CanonicalName(joinLabels(labels[i:]))
		if parent == zd.ZoneName {
			break
		}
		if zd.IsChildDelegation(parent) {
			return true
		}
	}
	return false
}

func joinLabels(labels []string) string {
	out := ""
	for _, l := range labels {
		out += l + "."
	}
	return out
}

// buildNsecRR constructs the NSEC record for name with next as its
// next-owner-name. The bitmap lists every type present at name plus NSEC
// and RRSIG.
func (zd *ZoneData) buildNsecRR(name, next string, minttl uint32) *dns.NSEC {
	owner := zd.GetOwner(name)
	tmap := []uint16{dns.TypeNSEC, dns.TypeRRSIG}
	if owner != nil {
		for _, rrtype := range owner.RRtypes.Keys() {
			if rrtype == dns.TypeNSEC || rrtype == dns.TypeRRSIG {
				continue
			}
			tmap = append(tmap, rrtype)
		}
	}
	return &dns.NSEC{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeNSEC,
			Class:  dns.ClassINET,
			Ttl:    minttl,
		},
		NextDomain: next,
		TypeBitMap: sortTypeBitmap(tmap),
	}
}

// GenerateNsecChain builds the full NSEC chain from scratch, one NSEC
// per chain owner, the last wrapping to the first.
func (zd *ZoneData) GenerateNsecChain() error {
	soa, err := zd.GetSOA()
	if err != nil {
		return err
	}
	names := zd.chainOwnerNames()
	if len(names) == 0 {
		return fmt.Errorf("GenerateNsecChain: zone %s has no owner names", zd.ZoneName)
	}

	for idx, name := range names {
		nextidx := idx + 1
		if nextidx == len(names) {
			nextidx = 0
		}
		nsecrr := zd.buildNsecRR(name, names[nextidx], soa.Minttl)
		rrset := RRset{Name: name, RRs: []dns.RR{nsecrr}, Infos: []*RecordInfo{nil}}
		if _, err := zd.SignRRset(&rrset, true); err != nil {
			return err
		}
		zd.GetOrCreateOwner(name).RRtypes.Set(dns.TypeNSEC, rrset)
	}
	return nil
}

// UpdateNsecForOwner repairs the chain after a mutation at name. The
// affected entries (the owner's own NSEC and its predecessor's) are
// rewritten; everything else is untouched. Returns the denial records
// that left and entered the zone, for journaling.
func (zd *ZoneData) UpdateNsecForOwner(name string) (deleted, added []dns.RR, err error) {
	soa, err := zd.GetSOA()
	if err != nil {
		return nil, nil, err
	}
	name = CanonicalName(name)
	names := zd.chainOwnerNames()
	if len(names) == 0 {
		return nil, nil, fmt.Errorf("UpdateNsecForOwner: zone %s chain is empty", zd.ZoneName)
	}

	idx := -1
	for i, n := range names {
		if n == name {
			idx = i
			break
		}
	}

	rewrite := func(n, next string) error {
		owner := zd.GetOrCreateOwner(n)
		if old, exists := owner.RRtypes.Get(dns.TypeNSEC); exists {
			deleted = append(deleted, old.RRs...)
			deleted = append(deleted, old.RRSIGs...)
		}
		nsecrr := zd.buildNsecRR(n, next, soa.Minttl)
		rrset := RRset{Name: n, RRs: []dns.RR{nsecrr}, Infos: []*RecordInfo{nil}}
		if _, err := zd.SignRRset(&rrset, true); err != nil {
			return err
		}
		owner.RRtypes.Set(dns.TypeNSEC, rrset)
		added = append(added, rrset.RRs...)
		added = append(added, rrset.RRSIGs...)
		return nil
	}

	if idx >= 0 {
		// Owner is (still) part of the chain: write its NSEC and point
		// the predecessor at it.
		next := names[(idx+1)%len(names)]
		if err := rewrite(name, next); err != nil {
			return deleted, added, err
		}
		pred := names[(idx-1+len(names))%len(names)]
		if pred != name {
			if err := rewrite(pred, name); err != nil {
				return deleted, added, err
			}
		}
		return deleted, added, nil
	}

	// Owner has emptied out: drop its NSEC and restore the predecessor's
	// next pointer to the owner's former successor.
	if owner := zd.GetOwner(name); owner != nil {
		if old, exists := owner.RRtypes.Get(dns.TypeNSEC); exists {
			deleted = append(deleted, old.RRs...)
			deleted = append(deleted, old.RRSIGs...)
			owner.RRtypes.Delete(dns.TypeNSEC)
		}
		if owner.RRtypes.Count() == 0 {
			zd.Data.Remove(name)
		}
	}

	// Predecessor: greatest chain name canonically before the removed
	// one, wrapping to the last entry.
	predidx := len(names) - 1
	for i, n := range names {
		if CanonicalCompare(n, name) > 0 {
			predidx = (i - 1 + len(names)) % len(names)
			break
		}
	}
	succ := names[(predidx+1)%len(names)]
	if err := rewrite(names[predidx], succ); err != nil {
		return deleted, added, err
	}
	return deleted, added, nil
}

// ShowNsecChain lists the zone's NSEC records in chain order, mostly for
// debugging and tests.
func (zd *ZoneData) ShowNsecChain() ([]string, error) {
	var nsecrrs []string
	names := zd.chainOwnerNames()
	for _, name := range names {
		owner := zd.GetOwner(name)
		if owner == nil {
			continue
		}
		rrset, exists := owner.RRtypes.Get(dns.TypeNSEC)
		if exists && len(rrset.RRs) == 1 {
			nsecrrs = append(nsecrrs, rrset.RRs[0].String())
		}
	}
	return nsecrrs, nil
}

// RemoveDenialRecords strips all NSEC/NSEC3/NSEC3PARAM data, used by
// unsign and by mode conversion.
func (zd *ZoneData) RemoveDenialRecords() {
	for item := range zd.Data.IterBuffered() {
		item.Val.RRtypes.Delete(dns.TypeNSEC)
		item.Val.RRtypes.Delete(dns.TypeNSEC3)
		item.Val.RRtypes.Delete(dns.TypeNSEC3PARAM)
		if item.Val.RRtypes.Count() == 0 {
			zd.Data.Remove(item.Key)
		}
	}
}

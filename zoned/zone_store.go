/*
 * Copyright (c) 2024 Jesse Nich
 */
package zoned

import (
	"github.com/miekg/dns"
)

// Record store primitives. Each operation on one (owner, rrtype) entry
// is a single atomic upsert of that entry, so concurrent readers observe
// either the old or the new RRset together with its RRSIGs, never a
// partial one. Mutations to different (owner, rrtype) pairs proceed in
// parallel.

// SetRRset replaces the RRset of rrtype at owner. Returns the records it
// displaced, for journaling.
func (zd *ZoneData) SetRRset(owner string, rrtype uint16, rrset RRset) (deleted []dns.RR) {
	od := zd.GetOrCreateOwner(owner)
	rrset.Name = CanonicalName(owner)
	for i := range rrset.RRs {
		rrset.RRs[i].Header().Name = rrset.Name
	}
	od.RRtypes.Upsert(rrtype, func(cur RRset, exists bool) RRset {
		if exists {
			for _, old := range cur.RRs {
				if !containsRR(rrset.RRs, old) {
					deleted = append(deleted, old)
				}
			}
		}
		return rrset
	})
	return deleted
}

// AddRR merges one record into the RRset of its type at owner. When the
// incoming TTL differs from the set's TTL, the new TTL overrides and the
// displaced old-TTL records are returned as deleted. An exact duplicate
// (same rdata, same TTL) is a no-op.
func (zd *ZoneData) AddRR(owner string, rr dns.RR, info *RecordInfo) (added bool, deleted []dns.RR) {
	owner = CanonicalName(owner)
	rr.Header().Name = owner
	od := zd.GetOrCreateOwner(owner)
	od.RRtypes.Upsert(rr.Header().Rrtype, func(cur RRset, exists bool) RRset {
		if !exists || len(cur.RRs) == 0 {
			added = true
			return RRset{Name: owner, RRs: []dns.RR{rr}, Infos: []*RecordInfo{info}}
		}

		for _, old := range cur.RRs {
			if RRsEqual(old, rr) && old.Header().Ttl == rr.Header().Ttl {
				// exact duplicate
				return cur
			}
		}

		next := RRset{Name: owner, RRSIGs: cur.RRSIGs}
		if RRsetTTL(&cur) != rr.Header().Ttl {
			// Incoming TTL wins; the old-TTL records are journaled as
			// deleted and re-enter with the new TTL.
			for i, old := range cur.RRs {
				if RRsEqual(old, rr) {
					deleted = append(deleted, old)
					continue
				}
				deleted = append(deleted, dns.Copy(old))
				cp := dns.Copy(old)
				cp.Header().Ttl = rr.Header().Ttl
				next.RRs = append(next.RRs, cp)
				next.Infos = append(next.Infos, infoAt(&cur, i))
			}
		} else {
			for i, old := range cur.RRs {
				if RRsEqual(old, rr) {
					deleted = append(deleted, old)
					continue
				}
				next.RRs = append(next.RRs, old)
				next.Infos = append(next.Infos, infoAt(&cur, i))
			}
		}
		next.RRs = append(next.RRs, rr)
		next.Infos = append(next.Infos, info)
		added = true
		return next
	})
	return added, deleted
}

// DeleteRRset removes the whole RRset of rrtype at owner and returns
// the removed records.
func (zd *ZoneData) DeleteRRset(owner string, rrtype uint16) (deleted []dns.RR) {
	od := zd.GetOwner(owner)
	if od == nil {
		return nil
	}
	if cur, exists := od.RRtypes.Get(rrtype); exists {
		deleted = append(deleted, cur.RRs...)
	}
	od.RRtypes.Delete(rrtype)
	return deleted
}

// DeleteRR removes the record matching rr's rdata from the RRset of its
// type at owner. When the last member goes, the whole entry goes.
func (zd *ZoneData) DeleteRR(owner string, rr dns.RR) (deleted []dns.RR) {
	od := zd.GetOwner(owner)
	if od == nil {
		return nil
	}
	rr.Header().Name = CanonicalName(owner)
	var empty bool
	od.RRtypes.Upsert(rr.Header().Rrtype, func(cur RRset, exists bool) RRset {
		if !exists {
			return cur
		}
		next := RRset{Name: cur.Name, RRSIGs: cur.RRSIGs}
		for i, old := range cur.RRs {
			if RRsEqual(old, rr) {
				deleted = append(deleted, old)
				continue
			}
			next.RRs = append(next.RRs, old)
			next.Infos = append(next.Infos, infoAt(&cur, i))
		}
		empty = len(next.RRs) == 0
		return next
	})
	if empty {
		od.RRtypes.Delete(rr.Header().Rrtype)
	}
	return deleted
}

func containsRR(rrs []dns.RR, rr dns.RR) bool {
	for _, x := range rrs {
		if RRsEqual(x, rr) && x.Header().Ttl == rr.Header().Ttl {
			return true
		}
	}
	return false
}

func infoAt(rrset *RRset, i int) *RecordInfo {
	if i < len(rrset.Infos) {
		return rrset.Infos[i]
	}
	return nil
}

// InfoFor returns the side-band info block of the record matching rr in
// rrset, nil if absent.
func (rrset *RRset) InfoFor(rr dns.RR) *RecordInfo {
	for i, x := range rrset.RRs {
		if RRsEqual(x, rr) {
			return infoAt(rrset, i)
		}
	}
	return nil
}

// HasDisabled reports whether any member of rrset carries the disabled
// flag in its info block.
func (rrset *RRset) HasDisabled() bool {
	for _, info := range rrset.Infos {
		if info != nil && info.Disabled {
			return true
		}
	}
	return false
}

// GlueFor collects the glue records attached to the NS records of rrset.
func (rrset *RRset) GlueFor() []dns.RR {
	var glue []dns.RR
	for _, info := range rrset.Infos {
		if info != nil {
			glue = append(glue, info.Glue...)
		}
	}
	return glue
}

/*
 * Copyright (c) 2024 Jesse Nich
 */
package zoned

import (
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/twotwotwo/sorts"
)

const year68 = 1 << 31 // RFC 1982 serial arithmetic in 32 bits

// NewZoneData creates an empty primary zone. The caller populates the
// apex (SOA + NS) through the facade or a zone load.
func NewZoneData(zonename string, kdb *KeyDB) *ZoneData {
	zd := &ZoneData{
		ZoneName:     dns.Fqdn(strings.ToLower(zonename)),
		ZoneType:     Primary,
		DnssecStatus: Unsigned,
		Data:         cmap.New[*OwnerData](),
		Journal:      &Journal{},
		KeyDB:        kdb,
		Options: map[ZoneOption]bool{
			OptAllowUpdates: true,
		},
	}
	return zd
}

func (zd *ZoneData) logf(format string, args ...interface{}) {
	if zd.Logger != nil {
		zd.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// CanonicalName folds an owner name to its canonical form: lowercase, fqdn.
func CanonicalName(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}

// CanonicalCompare orders two owner names in canonical DNS order
// (RFC 4034 section 6.1): label by label from the right, each label as
// a lowercase byte string.
func CanonicalCompare(a, b string) int {
	la := dns.SplitDomainName(CanonicalName(a))
	lb := dns.SplitDomainName(CanonicalName(b))
	for i := 1; i <= len(la) && i <= len(lb); i++ {
		if c := strings.Compare(la[len(la)-i], lb[len(lb)-i]); c != 0 {
			return c
		}
	}
	switch {
	case len(la) < len(lb):
		return -1
	case len(la) > len(lb):
		return 1
	}
	return 0
}

type canonicalNames []string

func (c canonicalNames) Len() int           { return len(c) }
func (c canonicalNames) Swap(i, j int)      { c[i], c[j] = c[j], c[i] }
func (c canonicalNames) Less(i, j int) bool { return CanonicalCompare(c[i], c[j]) < 0 }

// SortCanonical sorts names in place in canonical DNS order.
func SortCanonical(names []string) {
	sorts.Quicksort(canonicalNames(names))
}

func (zd *ZoneData) GetOwner(qname string) *OwnerData {
	owner, ok := zd.Data.Get(CanonicalName(qname))
	if !ok {
		return nil
	}
	return owner
}

func (zd *ZoneData) GetOrCreateOwner(qname string) *OwnerData {
	qname = CanonicalName(qname)
	zd.Data.SetIfAbsent(qname, NewOwnerData(qname))
	owner, _ := zd.Data.Get(qname)
	return owner
}

func (zd *ZoneData) NameExists(qname string) bool {
	owner := zd.GetOwner(qname)
	return owner != nil && owner.RRtypes.Count() > 0
}

func (zd *ZoneData) GetRRset(qname string, rrtype uint16) *RRset {
	owner := zd.GetOwner(qname)
	if owner == nil {
		return nil
	}
	if rrset, exists := owner.RRtypes.Get(rrtype); exists {
		return &rrset
	}
	return nil
}

// GetOwnerNames returns the names of all owners that currently hold at
// least one RRset. Order is unspecified.
func (zd *ZoneData) GetOwnerNames() []string {
	var names []string
	for item := range zd.Data.IterBuffered() {
		if item.Val.RRtypes.Count() > 0 {
			names = append(names, item.Key)
		}
	}
	return names
}

func (zd *ZoneData) GetSOA() (*dns.SOA, error) {
	rrset := zd.GetRRset(zd.ZoneName, dns.TypeSOA)
	if rrset == nil || len(rrset.RRs) == 0 {
		return nil, fmt.Errorf("zone %s: %w: no SOA at apex", zd.ZoneName, ErrInvalidInput)
	}
	return rrset.RRs[0].(*dns.SOA), nil
}

// IsChildDelegation reports whether qname is a zone cut below the apex.
func (zd *ZoneData) IsChildDelegation(qname string) bool {
	qname = CanonicalName(qname)
	if qname == zd.ZoneName {
		return false
	}
	owner := zd.GetOwner(qname)
	if owner == nil {
		return false
	}
	ns, exists := owner.RRtypes.Get(dns.TypeNS)
	return exists && len(ns.RRs) > 0
}

// IsGlue reports whether an address record at qname is glue below one of
// the zone's delegations.
func (zd *ZoneData) IsGlue(qname string, rrtype uint16) bool {
	if rrtype != dns.TypeA && rrtype != dns.TypeAAAA {
		return false
	}
	qname = CanonicalName(qname)
	for _, name := range zd.GetOwnerNames() {
		if zd.IsChildDelegation(name) && dns.IsSubDomain(name, qname) {
			return true
		}
	}
	return false
}

// SubDomainExists, FindNextSubDomain and FindPreviousSubDomain implement
// SubDomainIndex over the zone's own owner map.

func (zd *ZoneData) SubDomainExists(owner string) bool {
	return zd.NameExists(owner)
}

func (zd *ZoneData) FindNextSubDomain(owner string) (string, bool) {
	names := zd.GetOwnerNames()
	SortCanonical(names)
	owner = CanonicalName(owner)
	for _, name := range names {
		if CanonicalCompare(name, owner) > 0 {
			return name, true
		}
	}
	return "", false
}

func (zd *ZoneData) FindPreviousSubDomain(owner string) (string, bool) {
	names := zd.GetOwnerNames()
	SortCanonical(names)
	owner = CanonicalName(owner)
	var prev string
	var found bool
	for _, name := range names {
		if CanonicalCompare(name, owner) >= 0 {
			break
		}
		prev = name
		found = true
	}
	return prev, found
}

// NextSerial computes the wrapping successor of an SOA serial: old+1,
// except 2^32-1 wraps to 1.
func NextSerial(old uint32) uint32 {
	if old == math.MaxUint32 {
		return 1
	}
	return old + 1
}

// ChooseSerial picks the serial for a commit that carries an explicit
// SOA among its additions: max(old+1, supplied), with the same wrap.
func ChooseSerial(old, supplied uint32) uint32 {
	next := NextSerial(old)
	if old == math.MaxUint32 {
		return next
	}
	if supplied > next {
		return supplied
	}
	return next
}

// SerialGreater compares serials per RFC 1982.
func SerialGreater(a, b uint32) bool {
	return (a > b && a-b < year68) || (a < b && b-a > year68)
}

// MaxRecordTTL returns the largest TTL of any record in the zone.
func (zd *ZoneData) MaxRecordTTL() uint32 {
	var max uint32
	for item := range zd.Data.IterBuffered() {
		for _, rrtype := range item.Val.RRtypes.Keys() {
			rrset, _ := item.Val.RRtypes.Get(rrtype)
			for _, rr := range rrset.RRs {
				if rr.Header().Ttl > max {
					max = rr.Header().Ttl
				}
			}
		}
	}
	return max
}

// MaxRRSIGTTL returns the largest TTL across the zone's RRSIG sets.
func (zd *ZoneData) MaxRRSIGTTL() uint32 {
	var max uint32
	for item := range zd.Data.IterBuffered() {
		for _, rrtype := range item.Val.RRtypes.Keys() {
			rrset, _ := item.Val.RRtypes.Get(rrtype)
			for _, sig := range rrset.RRSIGs {
				if sig.Header().Ttl > max {
					max = sig.Header().Ttl
				}
			}
		}
	}
	return max
}

// PropagationDelay is the worst-case primary/secondary convergence time.
func PropagationDelay(soa *dns.SOA) time.Duration {
	return time.Duration(soa.Refresh+soa.Retry) * time.Second
}

// SignatureValidityPeriod is the RRSIG lifetime: SOA EXPIRE plus three
// days, so the re-signing window comfortably precedes expiry.
func SignatureValidityPeriod(soa *dns.SOA) time.Duration {
	return time.Duration(soa.Expire)*time.Second + 3*24*time.Hour
}

// RRsetTTL returns the common TTL of an RRset, 0 if empty.
func RRsetTTL(rrset *RRset) uint32 {
	if rrset == nil || len(rrset.RRs) == 0 {
		return 0
	}
	return rrset.RRs[0].Header().Ttl
}

// rdataString renders the rdata portion of an RR for identity
// comparison: owner, class and TTL excluded.
func rdataString(rr dns.RR) string {
	cp := dns.Copy(rr)
	cp.Header().Ttl = 0
	cp.Header().Name = "."
	s := cp.String()
	fields := strings.SplitN(s, "\t", 5)
	if len(fields) == 5 {
		return fields[4]
	}
	return s
}

// RRsEqual compares two records by (name, type, class, rdata); TTL and
// side-band info excluded.
func RRsEqual(a, b dns.RR) bool {
	if a.Header().Rrtype != b.Header().Rrtype ||
		a.Header().Class != b.Header().Class ||
		CanonicalName(a.Header().Name) != CanonicalName(b.Header().Name) {
		return false
	}
	return rdataString(a) == rdataString(b)
}

// sortTypeBitmap returns the type list for an NSEC/NSEC3 bitmap in
// ascending numeric order, as required by the wire format.
func sortTypeBitmap(types []uint16) []uint16 {
	tmap := make([]int, len(types))
	for i, t := range types {
		tmap[i] = int(t)
	}
	sort.Ints(tmap)
	out := make([]uint16, len(tmap))
	for i, t := range tmap {
		out[i] = uint16(t)
	}
	return out
}

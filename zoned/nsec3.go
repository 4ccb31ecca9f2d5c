/*
 * Copyright (c) 2024 Jesse Nich
 */
package zoned

import (
	"fmt"
	"sort"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/exp/rand"
)

// NSEC3 limits: SHA-1 only, at most 50 iterations, at most a 32-byte salt.
const (
	MaxNsec3Iterations = 50
	MaxNsec3SaltLength = 32
)

// ValidateNsec3Params checks the hashing parameters against the
// supported ranges.
func ValidateNsec3Params(hashAlg uint8, iterations uint16, salt string) error {
	if hashAlg != dns.SHA1 {
		return fmt.Errorf("NSEC3 hash algorithm %d: %w", hashAlg, ErrUnsupportedAlgorithm)
	}
	if iterations > MaxNsec3Iterations {
		return fmt.Errorf("NSEC3 iterations %d: %w (max %d)", iterations, ErrOutOfRange, MaxNsec3Iterations)
	}
	if len(salt)%2 != 0 {
		return fmt.Errorf("NSEC3 salt %q: %w: not a hex string", salt, ErrInvalidInput)
	}
	if len(salt)/2 > MaxNsec3SaltLength {
		return fmt.Errorf("NSEC3 salt of %d bytes: %w (max %d)", len(salt)/2, ErrOutOfRange, MaxNsec3SaltLength)
	}
	return nil
}

const hexDigits = "0123456789ABCDEF"

// GenerateNsec3Salt draws length random bytes from the shared RNG and
// renders them as uppercase hex.
func GenerateNsec3Salt(length int) string {
	var sb strings.Builder
	for i := 0; i < length; i++ {
		b := rand.Intn(256)
		sb.WriteByte(hexDigits[b>>4])
		sb.WriteByte(hexDigits[b&0x0F])
	}
	return sb.String()
}

// hashedOwnerLabel returns the base32hex NSEC3 hash of name under the
// zone's parameters, without the apex appended.
func (zd *ZoneData) hashedOwnerLabel(name string) string {
	p := zd.Nsec3Param
	return dns.HashName(CanonicalName(name), p.Hash, p.Iterations, p.Salt)
}

func (zd *ZoneData) hashedOwnerName(name string) string {
	return strings.ToLower(zd.hashedOwnerLabel(name)) + "." + zd.ZoneName
}

// emptyNonTerminals returns every name between the apex and the chain
// owners that holds no RRsets of its own but has descendants.
func (zd *ZoneData) emptyNonTerminals() []string {
	ents := map[string]bool{}
	for _, name := range zd.chainOwnerNames() {
		labels := dns.SplitDomainName(name)
		for i := 1; i < len(labels); i++ {
			anc := CanonicalName(joinLabels(labels[i:]))
			if anc == zd.ZoneName || !dns.IsSubDomain(zd.ZoneName, anc) {
				break
			}
			if !zd.NameExists(anc) {
				ents[anc] = true
			}
		}
	}
	var out []string
	for name := range ents {
		out = append(out, name)
	}
	return out
}

// nsec3TypeBitmap computes the bitmap for the NSEC3 covering name. An
// ENT contributes an empty bitmap.
func (zd *ZoneData) nsec3TypeBitmap(name string) []uint16 {
	owner := zd.GetOwner(name)
	if owner == nil {
		return nil
	}
	var tmap []uint16
	signable := false
	for _, rrtype := range owner.RRtypes.Keys() {
		if rrtype == dns.TypeNSEC || rrtype == dns.TypeNSEC3 || rrtype == dns.TypeRRSIG {
			continue
		}
		tmap = append(tmap, rrtype)
		if zd.shouldSignRRset(name, rrtype) {
			signable = true
		}
	}
	if len(tmap) == 0 {
		return nil
	}
	if signable {
		tmap = append(tmap, dns.TypeRRSIG)
	}
	return sortTypeBitmap(tmap)
}

type partialNsec3 struct {
	hash   string // uppercase base32hex label
	bitmap []uint16
}

// collectPartialNsec3s hashes every chain owner plus every empty
// non-terminal and deduplicates equal hashed owners by unioning their
// type bitmaps.
func (zd *ZoneData) collectPartialNsec3s() []partialNsec3 {
	byHash := map[string]*partialNsec3{}

	addPartial := func(name string, bitmap []uint16) {
		h := zd.hashedOwnerLabel(name)
		if p, exists := byHash[h]; exists {
			p.bitmap = unionBitmaps(p.bitmap, bitmap)
			return
		}
		byHash[h] = &partialNsec3{hash: h, bitmap: bitmap}
	}

	for _, name := range zd.chainOwnerNames() {
		addPartial(name, zd.nsec3TypeBitmap(name))
	}
	for _, ent := range zd.emptyNonTerminals() {
		addPartial(ent, nil)
	}

	out := make([]partialNsec3, 0, len(byHash))
	for _, p := range byHash {
		out = append(out, *p)
	}
	// Hashed owners order by the ordinal value of the base32 string.
	sort.Slice(out, func(i, j int) bool { return out[i].hash < out[j].hash })
	return out
}

func unionBitmaps(a, b []uint16) []uint16 {
	seen := map[uint16]bool{}
	for _, t := range a {
		seen[t] = true
	}
	for _, t := range b {
		seen[t] = true
	}
	var out []uint16
	for t := range seen {
		out = append(out, t)
	}
	return sortTypeBitmap(out)
}

func (zd *ZoneData) buildNsec3RR(p partialNsec3, next string, minttl uint32) *dns.NSEC3 {
	param := zd.Nsec3Param
	return &dns.NSEC3{
		Hdr: dns.RR_Header{
			Name:   strings.ToLower(p.hash) + "." + zd.ZoneName,
			Rrtype: dns.TypeNSEC3,
			Class:  dns.ClassINET,
			Ttl:    minttl,
		},
		Hash:       param.Hash,
		Flags:      param.Flags,
		Iterations: param.Iterations,
		SaltLength: uint8(len(param.Salt) / 2),
		Salt:       param.Salt,
		HashLength: 20, // SHA-1
		NextDomain: next,
		TypeBitMap: p.bitmap,
	}
}

func setNsec3Next(rr *dns.NSEC3, next string) {
	rr.NextDomain = next
	rr.HashLength = 20
}

// GenerateNsec3Chain builds the complete NSEC3 chain from scratch:
// collect partials for every owner and ENT, sort by hashed owner in
// ordinal order, deduplicate, stitch next pointers (the last wraps to
// the first), insert the apex NSEC3PARAM, and sign.
func (zd *ZoneData) GenerateNsec3Chain(param *dns.NSEC3PARAM) error {
	if err := ValidateNsec3Params(param.Hash, param.Iterations, param.Salt); err != nil {
		return err
	}
	soa, err := zd.GetSOA()
	if err != nil {
		return err
	}
	zd.Nsec3Param = param

	partials := zd.collectPartialNsec3s()
	if len(partials) == 0 {
		return fmt.Errorf("GenerateNsec3Chain: zone %s has no owner names", zd.ZoneName)
	}

	// Remove hashed-owner entries from a previous chain.
	for item := range zd.Data.IterBuffered() {
		if item.Val.RRtypes.Has(dns.TypeNSEC3) {
			item.Val.RRtypes.Delete(dns.TypeNSEC3)
			if item.Val.RRtypes.Count() == 0 {
				zd.Data.Remove(item.Key)
			}
		}
	}

	for idx, p := range partials {
		nextidx := idx + 1
		if nextidx == len(partials) {
			nextidx = 0
		}
		nsec3rr := zd.buildNsec3RR(p, "", soa.Minttl)
		setNsec3Next(nsec3rr, partials[nextidx].hash)
		rrset := RRset{Name: nsec3rr.Hdr.Name, RRs: []dns.RR{nsec3rr}, Infos: []*RecordInfo{nil}}
		if _, err := zd.SignRRset(&rrset, true); err != nil {
			return err
		}
		zd.GetOrCreateOwner(nsec3rr.Hdr.Name).RRtypes.Set(dns.TypeNSEC3, rrset)
	}

	// Publish the NSEC3PARAM at the apex.
	paramCopy := *param
	paramCopy.Hdr = dns.RR_Header{
		Name:   zd.ZoneName,
		Rrtype: dns.TypeNSEC3PARAM,
		Class:  dns.ClassINET,
		Ttl:    soa.Minttl,
	}
	paramCopy.SaltLength = uint8(len(param.Salt) / 2)
	rrset := RRset{Name: zd.ZoneName, RRs: []dns.RR{&paramCopy}, Infos: []*RecordInfo{nil}}
	if _, err := zd.SignRRset(&rrset, true); err != nil {
		return err
	}
	zd.GetOrCreateOwner(zd.ZoneName).RRtypes.Set(dns.TypeNSEC3PARAM, rrset)
	return nil
}

// currentNsec3Hashes lists the hashed-owner labels that currently carry
// an NSEC3 record, in ordinal order.
func (zd *ZoneData) currentNsec3Hashes() []string {
	var hashes []string
	for item := range zd.Data.IterBuffered() {
		if item.Val.RRtypes.Has(dns.TypeNSEC3) {
			label := strings.ToUpper(strings.SplitN(item.Key, ".", 2)[0])
			hashes = append(hashes, label)
		}
	}
	sort.Strings(hashes)
	return hashes
}

// UpdateNsec3ForOwner repairs the NSEC3 chain after a mutation at name.
// The owner itself plus every empty non-terminal between it and the
// apex is re-evaluated; chain entries are added or removed and the
// affected next-hashed-owner pointers rewritten.
func (zd *ZoneData) UpdateNsec3ForOwner(name string) (deleted, added []dns.RR, err error) {
	soa, err := zd.GetSOA()
	if err != nil {
		return nil, nil, err
	}
	name = CanonicalName(name)

	// The names whose chain membership this mutation can have changed.
	affected := []string{name}
	labels := dns.SplitDomainName(name)
	for i := 1; i < len(labels); i++ {
		anc := CanonicalName(joinLabels(labels[i:]))
		if anc == zd.ZoneName || !dns.IsSubDomain(zd.ZoneName, anc) {
			break
		}
		affected = append(affected, anc)
	}

	ents := map[string]bool{}
	for _, ent := range zd.emptyNonTerminals() {
		ents[ent] = true
	}

	for _, n := range affected {
		h := zd.hashedOwnerLabel(n)
		hashedName := strings.ToLower(h) + "." + zd.ZoneName

		shouldExist := ents[n]
		var bitmap []uint16
		if !shouldExist {
			if owner := zd.GetOwner(n); owner != nil && !zd.belowDelegation(n) {
				bitmap = zd.nsec3TypeBitmap(n)
				shouldExist = bitmap != nil
			}
		}

		hashes := zd.currentNsec3Hashes()
		existing := false
		for _, x := range hashes {
			if x == h {
				existing = true
				break
			}
		}

		switch {
		case shouldExist && existing:
			// Rewrite in place, preserving the next pointer.
			owner := zd.GetOwner(hashedName)
			old, _ := owner.RRtypes.Get(dns.TypeNSEC3)
			deleted = append(deleted, old.RRs...)
			deleted = append(deleted, old.RRSIGs...)
			next := old.RRs[0].(*dns.NSEC3).NextDomain
			nsec3rr := zd.buildNsec3RR(partialNsec3{hash: h, bitmap: bitmap}, "", soa.Minttl)
			setNsec3Next(nsec3rr, next)
			rrset := RRset{Name: hashedName, RRs: []dns.RR{nsec3rr}, Infos: []*RecordInfo{nil}}
			if _, err := zd.SignRRset(&rrset, true); err != nil {
				return deleted, added, err
			}
			owner.RRtypes.Set(dns.TypeNSEC3, rrset)
			added = append(added, rrset.RRs...)
			added = append(added, rrset.RRSIGs...)

		case shouldExist && !existing:
			// Insert: the new entry takes its predecessor's old next.
			pred, succ := neighbourHashes(hashes, h)
			nsec3rr := zd.buildNsec3RR(partialNsec3{hash: h, bitmap: bitmap}, "", soa.Minttl)
			setNsec3Next(nsec3rr, succ)
			rrset := RRset{Name: hashedName, RRs: []dns.RR{nsec3rr}, Infos: []*RecordInfo{nil}}
			if _, err := zd.SignRRset(&rrset, true); err != nil {
				return deleted, added, err
			}
			zd.GetOrCreateOwner(hashedName).RRtypes.Set(dns.TypeNSEC3, rrset)
			added = append(added, rrset.RRs...)
			added = append(added, rrset.RRSIGs...)
			if pred != "" && pred != h {
				d, a, err := zd.relinkNsec3(pred, h)
				deleted, added = append(deleted, d...), append(added, a...)
				if err != nil {
					return deleted, added, err
				}
			}

		case !shouldExist && existing:
			// Remove: the predecessor inherits the removed entry's next.
			owner := zd.GetOwner(hashedName)
			old, _ := owner.RRtypes.Get(dns.TypeNSEC3)
			deleted = append(deleted, old.RRs...)
			deleted = append(deleted, old.RRSIGs...)
			oldNext := old.RRs[0].(*dns.NSEC3).NextDomain
			owner.RRtypes.Delete(dns.TypeNSEC3)
			if owner.RRtypes.Count() == 0 {
				zd.Data.Remove(hashedName)
			}
			remaining := zd.currentNsec3Hashes()
			if len(remaining) > 0 {
				pred, _ := neighbourHashes(remaining, h)
				if pred == "" {
					pred = remaining[len(remaining)-1]
				}
				d, a, err := zd.relinkNsec3(pred, oldNext)
				deleted, added = append(deleted, d...), append(added, a...)
				if err != nil {
					return deleted, added, err
				}
			}
		}
	}

	return deleted, added, nil
}

// neighbourHashes locates the chain neighbours of h within the sorted
// hash list: the greatest entry below it (wrapping to the last entry when
// h sorts first) and the chain successor (wrapping).
func neighbourHashes(sorted []string, h string) (pred, succ string) {
	if len(sorted) == 0 {
		return "", h
	}
	pred = sorted[len(sorted)-1]
	succ = sorted[0]
	for i, x := range sorted {
		if x > h {
			succ = x
			if i > 0 {
				pred = sorted[i-1]
			}
			return pred, succ
		}
		if x < h {
			pred = x
		}
	}
	return pred, succ
}

// relinkNsec3 rewrites the next-hashed-owner pointer of the NSEC3 at
// hash pred to point at next.
func (zd *ZoneData) relinkNsec3(pred, next string) (deleted, added []dns.RR, err error) {
	hashedName := strings.ToLower(pred) + "." + zd.ZoneName
	owner := zd.GetOwner(hashedName)
	if owner == nil {
		return nil, nil, fmt.Errorf("relinkNsec3: no NSEC3 at %s", hashedName)
	}
	old, exists := owner.RRtypes.Get(dns.TypeNSEC3)
	if !exists || len(old.RRs) == 0 {
		return nil, nil, fmt.Errorf("relinkNsec3: no NSEC3 at %s", hashedName)
	}
	oldrr := old.RRs[0].(*dns.NSEC3)
	if oldrr.NextDomain == next {
		return nil, nil, nil
	}
	deleted = append(deleted, old.RRs...)
	deleted = append(deleted, old.RRSIGs...)

	newrr := *oldrr
	setNsec3Next(&newrr, next)
	rrset := RRset{Name: hashedName, RRs: []dns.RR{&newrr}, Infos: []*RecordInfo{nil}}
	if _, err := zd.SignRRset(&rrset, true); err != nil {
		return deleted, added, err
	}
	owner.RRtypes.Set(dns.TypeNSEC3, rrset)
	added = append(added, rrset.RRs...)
	added = append(added, rrset.RRSIGs...)
	return deleted, added, nil
}

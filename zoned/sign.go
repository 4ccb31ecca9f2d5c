/*
 * Copyright (c) 2024 Jesse Nich
 */
package zoned

import (
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// sigLifetime computes the RRSIG window: inception is backdated one hour
// to absorb clock skew, expiration is inception plus the validity period.
func sigLifetime(t time.Time, validity time.Duration) (uint32, uint32) {
	incep := t.Add(-time.Hour)
	expir := incep.Add(validity)
	return uint32(incep.Unix()), uint32(expir.Unix())
}

// SignatureValidity returns the configured RRSIG lifetime for the zone.
func (zd *ZoneData) SignatureValidity() time.Duration {
	soa, err := zd.GetSOA()
	if err != nil {
		// No SOA yet; fall back to the three-day floor.
		return 3 * 24 * time.Hour
	}
	return SignatureValidityPeriod(soa)
}

// ResignInterval is how often stale RRSIGs are checked for, and also the
// remaining-lifetime threshold below which a signature is refreshed.
func (zd *ZoneData) ResignInterval() time.Duration {
	return zd.SignatureValidity() / 10
}

// NeedsResigning reports whether an RRSIG's remaining life has dropped
// below the threshold.
func NeedsResigning(rrsig *dns.RRSIG, threshold time.Duration) bool {
	expirationTime := time.Unix(int64(rrsig.Expiration), 0)
	return time.Until(expirationTime) < threshold
}

// SignRRsetWith produces RRSIGs over rrset with each of keys, replacing
// any existing signature by the same key tag when it is stale or force
// is set. Reports whether anything was (re)signed.
func (zd *ZoneData) SignRRsetWith(rrset *RRset, keys []*DnssecKey, force bool) (bool, error) {
	if len(rrset.RRs) == 0 {
		return false, fmt.Errorf("SignRRsetWith: rrset has no RRs")
	}
	if UnsupportedInSignedZone(rrset.RRs[0].Header().Rrtype) {
		return false, fmt.Errorf("%s %s: %w", rrset.Name,
			dns.TypeToString[rrset.RRs[0].Header().Rrtype], ErrUnsupportedInSignedZone)
	}
	if len(keys) == 0 {
		return false, fmt.Errorf("%s %s: %w", rrset.Name,
			dns.TypeToString[rrset.RRs[0].Header().Rrtype], ErrNoSigningKey)
	}

	threshold := zd.ResignInterval()
	validity := zd.SignatureValidity()
	resigned := false

	for _, key := range keys {
		shouldSign := true
		kept := rrset.RRSIGs[:0]
		for _, oldsig := range rrset.RRSIGs {
			sig := oldsig.(*dns.RRSIG)
			if sig.KeyTag != key.KeyTag {
				kept = append(kept, oldsig)
				continue
			}
			if NeedsResigning(sig, threshold) || force {
				zd.logf("SignRRsetWith: removing older RRSIG( %s %s ) by keytag %d",
					oldsig.Header().Name, dns.TypeToString[rrset.RRs[0].Header().Rrtype], key.KeyTag)
			} else {
				kept = append(kept, oldsig)
				shouldSign = false
			}
		}
		rrset.RRSIGs = kept

		if !shouldSign {
			continue
		}

		rrsig := new(dns.RRSIG)
		rrsig.Hdr = dns.RR_Header{
			Name:   rrset.Name,
			Rrtype: dns.TypeRRSIG,
			Class:  dns.ClassINET,
			Ttl:    RRsetTTL(rrset),
		}
		rrsig.KeyTag = key.KeyTag
		rrsig.Algorithm = key.Algorithm
		rrsig.Inception, rrsig.Expiration = sigLifetime(time.Now().UTC(), validity)
		rrsig.SignerName = zd.ZoneName

		if err := rrsig.Sign(key.CS, rrset.RRs); err != nil {
			zd.logf("Error from rrsig.Sign(%s): %v", zd.ZoneName, err)
			return resigned, err
		}

		rrset.RRSIGs = append(rrset.RRSIGs, rrsig)
		resigned = true
	}

	return resigned, nil
}

// SignRRset signs one RRset under the zone's current key set.
func (zd *ZoneData) SignRRset(rrset *RRset, force bool) (bool, error) {
	keys := zd.KeyDB.SigningKeysFor(zd.ZoneName, rrset.RRs[0].Header().Rrtype)
	return zd.SignRRsetWith(rrset, keys, force)
}

// shouldSignRRset applies the exclusion rules: referral NS sets below
// the apex and their glue are never signed.
func (zd *ZoneData) shouldSignRRset(name string, rrtype uint16) bool {
	if rrtype == dns.TypeRRSIG {
		return false
	}
	if rrtype == dns.TypeNS && CanonicalName(name) != zd.ZoneName {
		return false
	}
	if zd.IsGlue(name, rrtype) {
		return false
	}
	return true
}

// validateSignable walks the zone before the first signing pass and
// rejects record types and states that cannot exist under DNSSEC.
func (zd *ZoneData) validateSignable() error {
	for item := range zd.Data.IterBuffered() {
		for _, rrtype := range item.Val.RRtypes.Keys() {
			if UnsupportedInSignedZone(rrtype) {
				return fmt.Errorf("%s %s: %w", item.Key, dns.TypeToString[rrtype], ErrUnsupportedInSignedZone)
			}
			rrset, _ := item.Val.RRtypes.Get(rrtype)
			if rrset.HasDisabled() {
				return fmt.Errorf("%s %s: disabled record: %w", item.Key, dns.TypeToString[rrtype], ErrUnsupportedInSignedZone)
			}
		}
	}
	return nil
}

// SignAllRRsets walks every owner and (re)signs each signable RRset.
// Returns the number of new RRSIGs produced.
func (zd *ZoneData) SignAllRRsets(force bool) (int, error) {
	newrrsigs := 0
	for _, name := range zd.GetOwnerNames() {
		owner := zd.GetOwner(name)
		if owner == nil {
			continue
		}
		for _, rrtype := range owner.RRtypes.Keys() {
			if !zd.shouldSignRRset(name, rrtype) {
				continue
			}
			rrset, exists := owner.RRtypes.Get(rrtype)
			if !exists || len(rrset.RRs) == 0 {
				continue
			}
			resigned, err := zd.SignRRset(&rrset, force)
			if err != nil {
				return newrrsigs, fmt.Errorf("failed to sign %s %s RRset: %w",
					name, dns.TypeToString[rrtype], err)
			}
			if resigned {
				owner.RRtypes.Set(rrtype, rrset)
				newrrsigs++
			}
		}
	}
	return newrrsigs, nil
}

// PublishDnskeyRRs rebuilds the apex DNSKEY RRset from every key that is
// currently published in some form (any state except Generated and Dead).
func (zd *ZoneData) PublishDnskeyRRs() error {
	keys := zd.KeyDB.AllKeys(zd.ZoneName)
	rrset := RRset{Name: zd.ZoneName}
	for _, dk := range keys {
		if dk.State == KeyStateGenerated || dk.State == KeyStateDead {
			continue
		}
		rr := dk.DnskeyRR
		rr.Hdr.Ttl = zd.Policy.DnskeyTTL
		if dk.State == KeyStateRevoked {
			rr.Flags |= 0x0080 // RFC 5011 REVOKE bit
		}
		rrCopy := rr
		rrset.RRs = append(rrset.RRs, &rrCopy)
		rrset.Infos = append(rrset.Infos, nil)
	}
	if len(rrset.RRs) == 0 {
		zd.GetOrCreateOwner(zd.ZoneName).RRtypes.Delete(dns.TypeDNSKEY)
		return nil
	}
	if _, err := zd.SignRRset(&rrset, true); err != nil {
		return err
	}
	zd.GetOrCreateOwner(zd.ZoneName).RRtypes.Set(dns.TypeDNSKEY, rrset)
	return nil
}

// PurgeRRSIGsByKeyTag removes every RRSIG produced by keytag from the
// served zone. Returns the purged signatures for journaling.
func (zd *ZoneData) PurgeRRSIGsByKeyTag(keytag uint16) []dns.RR {
	var purged []dns.RR
	for item := range zd.Data.IterBuffered() {
		for _, rrtype := range item.Val.RRtypes.Keys() {
			item.Val.RRtypes.Upsert(rrtype, func(cur RRset, exists bool) RRset {
				if !exists {
					return cur
				}
				kept := cur.RRSIGs[:0]
				for _, sig := range cur.RRSIGs {
					if sig.(*dns.RRSIG).KeyTag == keytag {
						purged = append(purged, sig)
						continue
					}
					kept = append(kept, sig)
				}
				cur.RRSIGs = kept
				return cur
			})
		}
	}
	return purged
}

// DropExpiredRRSIGs removes signatures already past expiration so they
// never outlive their window in served data. Returns the dropped sigs.
func (zd *ZoneData) DropExpiredRRSIGs() []dns.RR {
	now := time.Now().UTC()
	var dropped []dns.RR
	for item := range zd.Data.IterBuffered() {
		for _, rrtype := range item.Val.RRtypes.Keys() {
			item.Val.RRtypes.Upsert(rrtype, func(cur RRset, exists bool) RRset {
				if !exists {
					return cur
				}
				kept := cur.RRSIGs[:0]
				for _, sig := range cur.RRSIGs {
					if time.Unix(int64(sig.(*dns.RRSIG).Expiration), 0).Before(now) {
						dropped = append(dropped, sig)
						continue
					}
					kept = append(kept, sig)
				}
				cur.RRSIGs = kept
				return cur
			})
		}
	}
	return dropped
}

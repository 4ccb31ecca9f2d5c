/*
 * Copyright (c) 2024 Jesse Nich
 */
package zoned

import (
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// Key lifecycle machinery. Each maintenance tick partitions the zone's
// keys into work lists under the key-store lock, then applies the
// transitions outside it, in the order: ready, activate, retire, revoke,
// unpublish, rollover.

// revokedHoldDown is how long a revoked KSK stays published so resolvers
// that cached the revoked DNSKEY can observe it (RFC 5011). The bounds
// deliberately follow the original behaviour rather than RFC 7583.
func revokedHoldDown(dnskeyTTL uint32) time.Duration {
	d := time.Duration(dnskeyTTL) * time.Second / 2
	if d > 15*24*time.Hour {
		d = 15 * 24 * time.Hour
	}
	if d < time.Hour {
		d = time.Hour
	}
	return d
}

type keyWorkLists struct {
	toReady    []*DnssecKey
	toActivate []*DnssecKey // ZSKs in Ready
	kskProbe   []*DnssecKey // KSKs in Ready, awaiting parent DS
	toRetire   []*DnssecKey
	toRevoke   []*DnssecKey
	toDead     []*DnssecKey
	toRemove   []*DnssecKey
	toRollover []*DnssecKey
}

// computeKeyWorkLists inspects every key of the zone under the key-store
// lock and partitions them by due transition. The zone-derived inputs
// (TTLs, propagation delay) are computed by the caller so no zone reads
// happen while the lock is held.
func (kdb *KeyDB) computeKeyWorkLists(zonename string, now time.Time, dnskeyTTL, maxRecordTTL, maxRRSIGTTL uint32, propDelay time.Duration) keyWorkLists {
	kdb.mu.Lock()
	defer kdb.mu.Unlock()

	var wl keyWorkLists

	anyOldKskLive := false
	for _, dk := range kdb.keys[zonename] {
		if dk.KeyType == KeyTypeKSK && (dk.State == KeyStateReady || dk.State == KeyStateActive) {
			anyOldKskLive = true
			break
		}
	}

	for _, dk := range kdb.keys[zonename] {
		switch dk.State {
		case KeyStatePublished:
			wait := time.Duration(dnskeyTTL)*time.Second + propDelay
			if dk.KeyType == KeyTypeKSK && !anyOldKskLive {
				// Fresh zone: nothing vouches for the DNSKEY RRset yet,
				// so wait out the largest TTL anything may be cached
				// under.
				wait = time.Duration(maxRecordTTL)*time.Second + propDelay
			}
			if now.After(dk.StateChanged.Add(wait)) {
				wl.toReady = append(wl.toReady, dk)
			}

		case KeyStateReady:
			if dk.KeyType == KeyTypeZSK {
				wl.toActivate = append(wl.toActivate, dk)
			} else {
				wl.kskProbe = append(wl.kskProbe, dk)
			}

		case KeyStateActive:
			if dk.IsRetiring && kdb.successorLive(zonename, dk) {
				wl.toRetire = append(wl.toRetire, dk)
			} else if dk.KeyType == KeyTypeZSK && !dk.IsRetiring && dk.RolloverDays > 0 &&
				now.After(dk.StateChanged.Add(time.Duration(dk.RolloverDays)*24*time.Hour)) {
				wl.toRollover = append(wl.toRollover, dk)
			}

		case KeyStateRetired:
			if dk.KeyType == KeyTypeKSK {
				wl.toRevoke = append(wl.toRevoke, dk)
			} else if now.After(dk.StateChanged.Add(time.Duration(maxRRSIGTTL)*time.Second + propDelay)) {
				wl.toDead = append(wl.toDead, dk)
			}

		case KeyStateRevoked:
			if now.After(dk.StateChanged.Add(revokedHoldDown(dnskeyTTL))) {
				wl.toDead = append(wl.toDead, dk)
			}

		case KeyStateDead:
			wl.toRemove = append(wl.toRemove, dk)
		}
	}
	return wl
}

// successorLive reports whether a retiring key's rollover successor has
// come far enough to take over: Ready for a KSK successor, Active for a
// ZSK successor. Caller holds mu.
func (kdb *KeyDB) successorLive(zonename string, old *DnssecKey) bool {
	for _, dk := range kdb.keys[zonename] {
		if dk == old || dk.KeyType != old.KeyType || dk.Algorithm != old.Algorithm || dk.IsRetiring {
			continue
		}
		if old.KeyType == KeyTypeKSK && (dk.State == KeyStateReady || dk.State == KeyStateActive) {
			return true
		}
		if old.KeyType == KeyTypeZSK && dk.State == KeyStateActive {
			return true
		}
	}
	return false
}

// CanRetireKey enforces the retire-safety rule: at least one other key
// of compatible purpose must remain fully functional. Manual retire
// relaxes algorithm equality as described.
func (kdb *KeyDB) CanRetireKey(dk *DnssecKey, manual bool) bool {
	switch dk.KeyType {
	case KeyTypeZSK:
		for _, other := range kdb.KeysInState(dk.ZoneName, KeyTypeZSK, KeyStateActive) {
			if other.KeyTag == dk.KeyTag {
				continue
			}
			if other.Algorithm == dk.Algorithm {
				return true
			}
			if manual {
				// A different-algorithm ZSK suffices when an active KSK
				// of that algorithm covers its DNSKEY.
				for _, ksk := range kdb.KeysInState(dk.ZoneName, KeyTypeKSK, KeyStateReady, KeyStateActive) {
					if ksk.Algorithm == other.Algorithm {
						return true
					}
				}
			}
		}
	case KeyTypeKSK:
		for _, other := range kdb.KeysInState(dk.ZoneName, KeyTypeKSK, KeyStateReady, KeyStateActive) {
			if other.KeyTag == dk.KeyTag {
				continue
			}
			if other.Algorithm == dk.Algorithm {
				return true
			}
			if manual {
				for _, zsk := range kdb.KeysInState(dk.ZoneName, KeyTypeZSK, KeyStateReady, KeyStateActive) {
					if zsk.Algorithm == other.Algorithm {
						return true
					}
				}
			}
		}
	}
	return false
}

// GenerateDnsKey creates a key pair for the zone per its policy.
func (zd *ZoneData) GenerateDnsKey(keytype KeyType) (*DnssecKey, error) {
	rollover := zd.Policy.ZskRolloverDays
	if keytype == KeyTypeKSK {
		rollover = zd.Policy.KskRolloverDays
	}
	return zd.KeyDB.GenerateKey(zd.ZoneName, keytype, zd.Policy.Algorithm, zd.Policy.KeySize,
		rollover, zd.Policy.DnskeyTTL)
}

// PublishGeneratedKeys moves every Generated key to Published and adds
// the DNSKEYs to the zone.
func (zd *ZoneData) PublishGeneratedKeys() error {
	var published []*DnssecKey
	for _, dk := range zd.KeyDB.AllKeys(zd.ZoneName) {
		if dk.State == KeyStateGenerated {
			published = append(published, dk)
		}
	}
	if len(published) == 0 {
		return fmt.Errorf("zone %s: %w: no generated keys to publish", zd.ZoneName, ErrKeyNotFound)
	}
	for _, dk := range published {
		if err := zd.KeyDB.SetKeyState(dk, KeyStatePublished); err != nil {
			return err
		}
	}
	return zd.applyDnskeyChange()
}

// PublishDnsKey publishes one specific generated key.
func (zd *ZoneData) PublishDnsKey(keytag uint16) error {
	dk, err := zd.KeyDB.GetKey(zd.ZoneName, keytag)
	if err != nil {
		return err
	}
	if dk.State != KeyStateGenerated {
		return fmt.Errorf("key %d is already %s: %w", keytag, KeyStateToString[dk.State], ErrDuplicatePublish)
	}
	if err := zd.KeyDB.SetKeyState(dk, KeyStatePublished); err != nil {
		return err
	}
	return zd.applyDnskeyChange()
}

// RolloverDnsKey starts a rollover for the given key: a successor of
// the same kind, algorithm and size is generated and published, and the
// old key is flagged as retiring. The maintenance ticks carry both keys
// through the remaining transitions.
func (zd *ZoneData) RolloverDnsKey(keytag uint16) (*DnssecKey, error) {
	old, err := zd.KeyDB.GetKey(zd.ZoneName, keytag)
	if err != nil {
		return nil, err
	}
	if old.State != KeyStateActive {
		return nil, fmt.Errorf("key %d is %s, not active: %w", keytag, KeyStateToString[old.State], ErrInvalidInput)
	}

	succ, err := zd.KeyDB.GenerateKey(zd.ZoneName, old.KeyType, old.Algorithm, 0,
		old.RolloverDays, zd.Policy.DnskeyTTL)
	if err != nil {
		return nil, err
	}
	if err := zd.KeyDB.SetKeyState(succ, KeyStatePublished); err != nil {
		return nil, err
	}
	if err := zd.KeyDB.MarkRetiring(old); err != nil {
		return nil, err
	}
	zd.logf("RolloverDnsKey: zone %s rolling %s keytag %d to successor keytag %d",
		zd.ZoneName, KeyTypeToString[old.KeyType], old.KeyTag, succ.KeyTag)

	if err := zd.applyDnskeyChange(); err != nil {
		return nil, err
	}
	return succ, nil
}

// RetireDnsKey is the operator retire: the key moves to Retired now,
// provided the retire-safety rule holds.
func (zd *ZoneData) RetireDnsKey(keytag uint16) error {
	dk, err := zd.KeyDB.GetKey(zd.ZoneName, keytag)
	if err != nil {
		return err
	}
	if dk.State != KeyStateActive {
		return fmt.Errorf("key %d is %s, not active: %w", keytag, KeyStateToString[dk.State], ErrInvalidInput)
	}
	if !zd.KeyDB.CanRetireKey(dk, true) {
		return fmt.Errorf("key %d: %w", keytag, ErrNoSuccessorKey)
	}
	if err := zd.KeyDB.SetKeyState(dk, KeyStateRetired); err != nil {
		return err
	}
	return zd.applyDnskeyChange()
}

// apexDnssecTypes are the apex RRsets the key machinery owns.
var apexDnssecTypes = []uint16{dns.TypeDNSKEY, dns.TypeCDS, dns.TypeCDNSKEY}

// applyDnskeyChange republishes the apex DNSKEY (and CDS/CDNSKEY)
// RRsets after a key event, repairs the apex denial entry and commits.
// When the recomputed membership is identical the previous RRsets (and
// their signatures) are restored untouched, so idle maintenance ticks
// never bump the serial.
func (zd *ZoneData) applyDnskeyChange() error {
	zd.dnssecMu.Lock()
	defer zd.dnssecMu.Unlock()

	prev := map[uint16]*RRset{}
	apex := zd.GetOwner(zd.ZoneName)
	if apex != nil {
		for _, rrtype := range apexDnssecTypes {
			if rrset, exists := apex.RRtypes.Get(rrtype); exists {
				cp := rrset
				prev[rrtype] = &cp
			}
		}
	}

	if err := zd.PublishDnskeyRRs(); err != nil {
		return err
	}
	if err := zd.PublishCdsRRs(); err != nil {
		return err
	}

	apex = zd.GetOwner(zd.ZoneName)
	var deleted, added []dns.RR
	membershipChanged := false
	for _, rrtype := range apexDnssecTypes {
		var curRRs, prevRRs []dns.RR
		var cur RRset
		var exists bool
		if apex != nil {
			cur, exists = apex.RRtypes.Get(rrtype)
			curRRs = cur.RRs
		}
		if p := prev[rrtype]; p != nil {
			prevRRs = p.RRs
		}
		if len(diffRRs(prevRRs, curRRs)) == 0 && len(diffRRs(curRRs, prevRRs)) == 0 {
			// Same members; keep the old set with its existing RRSIGs.
			if p := prev[rrtype]; p != nil && exists {
				apex.RRtypes.Set(rrtype, *p)
			}
			continue
		}
		membershipChanged = true
		var prevAll, curAll []dns.RR
		if p := prev[rrtype]; p != nil {
			prevAll = append(prevAll, p.RRs...)
			prevAll = append(prevAll, p.RRSIGs...)
		}
		if exists {
			curAll = append(curAll, cur.RRs...)
			curAll = append(curAll, cur.RRSIGs...)
		}
		deleted = append(deleted, diffRRs(prevAll, curAll)...)
		added = append(added, diffRRs(curAll, prevAll)...)
	}

	if membershipChanged && zd.DnssecStatus != Unsigned {
		d, a, err := zd.UpdateDenialForOwner(zd.ZoneName)
		if err != nil {
			return err
		}
		deleted = append(deleted, d...)
		added = append(added, a...)
	}

	if len(deleted) == 0 && len(added) == 0 {
		return nil
	}
	_, err := zd.CommitAndIncrementSerial(deleted, added)
	if err != nil {
		return err
	}
	if zd.Notifier != nil {
		zd.Notifier.TriggerNotify()
	}
	return nil
}

// diffRRs returns the members of a that have no string-identical
// counterpart in b.
func diffRRs(a, b []dns.RR) []dns.RR {
	seen := map[string]int{}
	for _, rr := range b {
		seen[rr.String()]++
	}
	var out []dns.RR
	for _, rr := range a {
		if seen[rr.String()] > 0 {
			seen[rr.String()]--
			continue
		}
		out = append(out, rr)
	}
	return out
}

// PublishCdsRRs rebuilds the apex CDS and CDNSKEY RRsets from the KSKs
// the parent should be tracking (Ready or Active), RFC 7344 style. With
// no such KSK both sets are withdrawn.
func (zd *ZoneData) PublishCdsRRs() error {
	if zd.DnssecStatus == Unsigned {
		return nil
	}
	ksks := zd.KeyDB.KeysInState(zd.ZoneName, KeyTypeKSK, KeyStateReady, KeyStateActive)
	apex := zd.GetOrCreateOwner(zd.ZoneName)
	if len(ksks) == 0 {
		apex.RRtypes.Delete(dns.TypeCDS)
		apex.RRtypes.Delete(dns.TypeCDNSKEY)
		return nil
	}

	cdsSet := RRset{Name: zd.ZoneName}
	cdnskeySet := RRset{Name: zd.ZoneName}
	for _, dk := range ksks {
		ds := dk.DnskeyRR.ToDS(dns.SHA256)
		if ds == nil {
			return fmt.Errorf("zone %s: cannot compute DS for keytag %d: %w", zd.ZoneName, dk.KeyTag, ErrUnsupportedAlgorithm)
		}
		cds := dns.CDS{DS: *ds}
		cds.Hdr = dns.RR_Header{Name: zd.ZoneName, Rrtype: dns.TypeCDS, Class: dns.ClassINET, Ttl: zd.Policy.DnskeyTTL}
		cdsSet.RRs = append(cdsSet.RRs, &cds)
		cdsSet.Infos = append(cdsSet.Infos, nil)

		cdnskey := dns.CDNSKEY{DNSKEY: dk.DnskeyRR}
		cdnskey.Hdr = dns.RR_Header{Name: zd.ZoneName, Rrtype: dns.TypeCDNSKEY, Class: dns.ClassINET, Ttl: zd.Policy.DnskeyTTL}
		cdnskeySet.RRs = append(cdnskeySet.RRs, &cdnskey)
		cdnskeySet.Infos = append(cdnskeySet.Infos, nil)
	}
	if _, err := zd.SignRRset(&cdsSet, true); err != nil {
		return err
	}
	if _, err := zd.SignRRset(&cdnskeySet, true); err != nil {
		return err
	}
	apex.RRtypes.Set(dns.TypeCDS, cdsSet)
	apex.RRtypes.Set(dns.TypeCDNSKEY, cdnskeySet)
	return nil
}

// KeyMaintenanceTick advances every key that has a due transition.
// Returns whether the zone's contents changed.
func (zd *ZoneData) KeyMaintenanceTick(now time.Time) (bool, error) {
	soa, err := zd.GetSOA()
	if err != nil {
		return false, err
	}
	propDelay := PropagationDelay(soa)
	wl := zd.KeyDB.computeKeyWorkLists(zd.ZoneName, now, zd.Policy.DnskeyTTL,
		zd.MaxRecordTTL(), zd.MaxRRSIGTTL(), propDelay)

	changed := false
	markChanged := func() { changed = true }

	for _, dk := range wl.toReady {
		zd.logf("KeyMaintenance: zone %s: %s keytag %d Published -> Ready",
			zd.ZoneName, KeyTypeToString[dk.KeyType], dk.KeyTag)
		if err := zd.KeyDB.SetKeyState(dk, KeyStateReady); err != nil {
			return changed, err
		}
		markChanged() // CDS/CDNSKEY appear once a KSK is Ready
	}

	for _, dk := range wl.toActivate {
		zd.logf("KeyMaintenance: zone %s: ZSK keytag %d Ready -> Active", zd.ZoneName, dk.KeyTag)
		if err := zd.KeyDB.SetKeyState(dk, KeyStateActive); err != nil {
			return changed, err
		}
		markChanged()
	}

	// Parent DS probes involve I/O and run with no lock held.
	for _, dk := range wl.kskProbe {
		matched, err := zd.ParentDsPublished(dk)
		if err != nil {
			zd.logf("KeyMaintenance: zone %s: DS probe for keytag %d failed: %v", zd.ZoneName, dk.KeyTag, err)
			continue
		}
		if matched {
			zd.logf("KeyMaintenance: zone %s: KSK keytag %d Ready -> Active (parent DS observed)", zd.ZoneName, dk.KeyTag)
			if err := zd.KeyDB.SetKeyState(dk, KeyStateActive); err != nil {
				return changed, err
			}
			markChanged()
		}
	}

	for _, dk := range wl.toRetire {
		if !zd.KeyDB.CanRetireKey(dk, false) {
			zd.logf("KeyMaintenance: zone %s: keytag %d retire blocked, no successor coverage", zd.ZoneName, dk.KeyTag)
			continue
		}
		zd.logf("KeyMaintenance: zone %s: %s keytag %d Active -> Retired",
			zd.ZoneName, KeyTypeToString[dk.KeyType], dk.KeyTag)
		if err := zd.KeyDB.SetKeyState(dk, KeyStateRetired); err != nil {
			return changed, err
		}
		markChanged()
	}

	for _, dk := range wl.toRevoke {
		zd.logf("KeyMaintenance: zone %s: KSK keytag %d Retired -> Revoked", zd.ZoneName, dk.KeyTag)
		if err := zd.KeyDB.SetKeyState(dk, KeyStateRevoked); err != nil {
			return changed, err
		}
		markChanged() // the REVOKE bit changes the published DNSKEY
	}

	for _, dk := range wl.toDead {
		zd.logf("KeyMaintenance: zone %s: %s keytag %d -> Dead",
			zd.ZoneName, KeyTypeToString[dk.KeyType], dk.KeyTag)
		if err := zd.KeyDB.SetKeyState(dk, KeyStateDead); err != nil {
			return changed, err
		}
		markChanged()
	}

	var purged []dns.RR
	for _, dk := range wl.toRemove {
		zd.logf("KeyMaintenance: zone %s: removing dead keytag %d and its RRSIGs", zd.ZoneName, dk.KeyTag)
		if err := zd.KeyDB.RemoveKey(zd.ZoneName, dk.KeyTag); err != nil {
			return changed, err
		}
		purged = append(purged, zd.PurgeRRSIGsByKeyTag(dk.KeyTag)...)
		markChanged()
	}

	for _, dk := range wl.toRollover {
		zd.logf("KeyMaintenance: zone %s: ZSK keytag %d past rollover age, starting rollover", zd.ZoneName, dk.KeyTag)
		if _, err := zd.RolloverDnsKey(dk.KeyTag); err != nil {
			zd.logf("KeyMaintenance: zone %s: rollover of keytag %d failed: %v", zd.ZoneName, dk.KeyTag, err)
		}
	}

	if changed {
		if len(purged) > 0 {
			// Purged signatures leave the zone through the journal too.
			if _, err := zd.CommitAndIncrementSerial(purged, nil); err != nil {
				return changed, err
			}
		}
		if err := zd.applyDnskeyChange(); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

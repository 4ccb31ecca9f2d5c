/*
 * Copyright (c) 2024 Jesse Nich
 */
package zoned

import (
	"fmt"

	"github.com/miekg/dns"
)

// Whole-zone DNSSEC operations: initial signing, unsigning, and the
// one-shot NSEC<->NSEC3 conversions. Each runs under dnssecMu so no
// intermediate state is observable.

// SignZoneWithNsec signs the zone using an NSEC chain.
func (zd *ZoneData) SignZoneWithNsec() error {
	return zd.signZone(nil)
}

// SignZoneWithNsec3 signs the zone using an NSEC3 chain with the given
// parameters. The salt is used as given; an empty salt means no salt and
// no random salt is drawn here.
func (zd *ZoneData) SignZoneWithNsec3(iterations uint16, salt string) error {
	param := &dns.NSEC3PARAM{
		Hash:       dns.SHA1,
		Flags:      0,
		Iterations: iterations,
		Salt:       salt,
	}
	if err := ValidateNsec3Params(param.Hash, param.Iterations, param.Salt); err != nil {
		return err
	}
	return zd.signZone(param)
}

func (zd *ZoneData) signZone(nsec3param *dns.NSEC3PARAM) error {
	if zd.DnssecStatus != Unsigned {
		return fmt.Errorf("zone %s: %w", zd.ZoneName, ErrAlreadySigned)
	}
	// Pre-sign validation: a zone holding ANAME/APP or disabled records
	// cannot be signed; failing here beats failing halfway through the
	// signing pass.
	if err := zd.validateSignable(); err != nil {
		return err
	}
	if _, err := DefaultKeySize(zd.Policy.Algorithm); err != nil {
		return err
	}

	zd.dnssecMu.Lock()
	defer zd.dnssecMu.Unlock()

	before := zd.snapshotAllRRs()

	// One KSK and one ZSK. The KSK starts Published and has to earn
	// Active via the parent DS; the ZSK starts Ready so the first
	// maintenance tick activates it.
	ksk, err := zd.GenerateDnsKey(KeyTypeKSK)
	if err != nil {
		return err
	}
	if err := zd.KeyDB.SetKeyState(ksk, KeyStatePublished); err != nil {
		return err
	}
	zsk, err := zd.GenerateDnsKey(KeyTypeZSK)
	if err != nil {
		return err
	}
	if err := zd.KeyDB.SetKeyState(zsk, KeyStateReady); err != nil {
		return err
	}

	if nsec3param == nil {
		zd.DnssecStatus = SignedWithNSEC
	} else {
		zd.DnssecStatus = SignedWithNSEC3
		zd.Nsec3Param = nsec3param
	}

	if err := zd.PublishDnskeyRRs(); err != nil {
		return err
	}
	if nsec3param == nil {
		if err := zd.GenerateNsecChain(); err != nil {
			return err
		}
	} else {
		if err := zd.GenerateNsec3Chain(nsec3param); err != nil {
			return err
		}
	}
	if _, err := zd.SignAllRRsets(true); err != nil {
		return err
	}

	after := zd.snapshotAllRRs()
	deleted := diffRRs(before, after)
	added := diffRRs(after, before)

	if _, err := zd.CommitAndIncrementSerial(deleted, added); err != nil {
		return err
	}

	zd.logf("signZone: zone %s signed with %s, KSK keytag %d, ZSK keytag %d",
		zd.ZoneName, DnssecStatusToString[zd.DnssecStatus], ksk.KeyTag, zsk.KeyTag)

	zd.StartMaintenance()
	if zd.Notifier != nil {
		zd.Notifier.TriggerNotify()
	}
	return nil
}

// UnsignZone strips all DNSSEC data and deletes the zone's keys.
func (zd *ZoneData) UnsignZone() error {
	if zd.DnssecStatus == Unsigned {
		return fmt.Errorf("zone %s: %w", zd.ZoneName, ErrNotSigned)
	}

	zd.dnssecMu.Lock()
	defer zd.dnssecMu.Unlock()

	before := zd.snapshotAllRRs()

	zd.RemoveDenialRecords()
	for item := range zd.Data.IterBuffered() {
		item.Val.RRtypes.Delete(dns.TypeDNSKEY)
		item.Val.RRtypes.Delete(dns.TypeCDS)
		item.Val.RRtypes.Delete(dns.TypeCDNSKEY)
		for _, rrtype := range item.Val.RRtypes.Keys() {
			item.Val.RRtypes.Upsert(rrtype, func(cur RRset, exists bool) RRset {
				cur.RRSIGs = nil
				return cur
			})
		}
		if item.Val.RRtypes.Count() == 0 {
			zd.Data.Remove(item.Key)
		}
	}
	for _, dk := range zd.KeyDB.AllKeys(zd.ZoneName) {
		if err := zd.KeyDB.RemoveKey(zd.ZoneName, dk.KeyTag); err != nil {
			zd.logf("UnsignZone: zone %s: failed to remove keytag %d: %v", zd.ZoneName, dk.KeyTag, err)
		}
	}
	zd.DnssecStatus = Unsigned
	zd.Nsec3Param = nil

	after := zd.snapshotAllRRs()
	if _, err := zd.CommitAndIncrementSerial(diffRRs(before, after), diffRRs(after, before)); err != nil {
		return err
	}
	if zd.Notifier != nil {
		zd.Notifier.TriggerNotify()
	}
	return nil
}

// ConvertToNsec3 switches a signed NSEC zone to NSEC3 in one guarded
// step.
func (zd *ZoneData) ConvertToNsec3(iterations uint16, salt string) error {
	if zd.DnssecStatus == Unsigned {
		return fmt.Errorf("zone %s: %w", zd.ZoneName, ErrNotSigned)
	}
	param := &dns.NSEC3PARAM{Hash: dns.SHA1, Flags: 0, Iterations: iterations, Salt: salt}
	if err := ValidateNsec3Params(param.Hash, param.Iterations, param.Salt); err != nil {
		return err
	}
	if zd.DnssecStatus == SignedWithNSEC3 && zd.sameNsec3Params(param) {
		return nil
	}

	zd.dnssecMu.Lock()
	defer zd.dnssecMu.Unlock()

	before := zd.snapshotAllRRs()
	zd.RemoveDenialRecords()
	zd.DnssecStatus = SignedWithNSEC3
	if err := zd.GenerateNsec3Chain(param); err != nil {
		return err
	}
	after := zd.snapshotAllRRs()
	if _, err := zd.CommitAndIncrementSerial(diffRRs(before, after), diffRRs(after, before)); err != nil {
		return err
	}
	if zd.Notifier != nil {
		zd.Notifier.TriggerNotify()
	}
	return nil
}

// ConvertToNsec switches a signed NSEC3 zone back to a plain NSEC chain.
func (zd *ZoneData) ConvertToNsec() error {
	switch zd.DnssecStatus {
	case Unsigned:
		return fmt.Errorf("zone %s: %w", zd.ZoneName, ErrNotSigned)
	case SignedWithNSEC:
		return nil
	}

	zd.dnssecMu.Lock()
	defer zd.dnssecMu.Unlock()

	before := zd.snapshotAllRRs()
	zd.RemoveDenialRecords()
	zd.DnssecStatus = SignedWithNSEC
	zd.Nsec3Param = nil
	if err := zd.GenerateNsecChain(); err != nil {
		return err
	}
	after := zd.snapshotAllRRs()
	if _, err := zd.CommitAndIncrementSerial(diffRRs(before, after), diffRRs(after, before)); err != nil {
		return err
	}
	if zd.Notifier != nil {
		zd.Notifier.TriggerNotify()
	}
	return nil
}

// UpdateNsec3Params re-hashes the chain under new parameters. Supplying
// the current values is a no-op.
func (zd *ZoneData) UpdateNsec3Params(iterations uint16, salt string) error {
	if zd.DnssecStatus != SignedWithNSEC3 {
		return fmt.Errorf("zone %s: %w", zd.ZoneName, ErrNotSigned)
	}
	param := &dns.NSEC3PARAM{Hash: dns.SHA1, Flags: 0, Iterations: iterations, Salt: salt}
	if err := ValidateNsec3Params(param.Hash, param.Iterations, param.Salt); err != nil {
		return err
	}
	if zd.sameNsec3Params(param) {
		return nil
	}
	return zd.ConvertToNsec3(iterations, salt)
}

func (zd *ZoneData) sameNsec3Params(param *dns.NSEC3PARAM) bool {
	cur := zd.Nsec3Param
	return cur != nil && cur.Hash == param.Hash && cur.Iterations == param.Iterations &&
		cur.Salt == param.Salt
}

// snapshotAllRRs copies every record and signature in the zone, for
// whole-zone before/after diffs.
func (zd *ZoneData) snapshotAllRRs() []dns.RR {
	var out []dns.RR
	for item := range zd.Data.IterBuffered() {
		for _, rrtype := range item.Val.RRtypes.Keys() {
			rrset, _ := item.Val.RRtypes.Get(rrtype)
			out = append(out, rrset.RRs...)
			out = append(out, rrset.RRSIGs...)
		}
	}
	return out
}

/*
 * Copyright (c) 2024 Jesse Nich
 */
package zoned

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// keyGenAttempts bounds retries when a freshly generated key collides on
// its 16-bit key tag with one already in the store.
const keyGenAttempts = 5

// PrepareDnssecKey turns the stored BIND-format private key plus the
// DNSKEY RR string back into a usable signing key.
func PrepareDnssecKey(privatekey, keyrrstr string) (*DnssecKey, error) {
	rr, err := dns.NewRR(keyrrstr)
	if err != nil {
		return nil, fmt.Errorf("PrepareDnssecKey: error parsing DNSKEY RR: %v", err)
	}
	dnskeyrr, ok := rr.(*dns.DNSKEY)
	if !ok {
		return nil, fmt.Errorf("PrepareDnssecKey: %w: not a DNSKEY: %s", ErrInvalidInput, keyrrstr)
	}

	k, err := dnskeyrr.ReadPrivateKey(strings.NewReader(privatekey), "keystore")
	if err != nil {
		return nil, fmt.Errorf("PrepareDnssecKey: error reading private key: %v", err)
	}

	cs, err := signerFromPrivateKey(k)
	if err != nil {
		return nil, err
	}

	dk := &DnssecKey{
		KeyTag:     dnskeyrr.KeyTag(),
		Algorithm:  dnskeyrr.Algorithm,
		DnskeyRR:   *dnskeyrr,
		PrivateKey: privatekey,
		CS:         cs,
	}
	if dnskeyrr.Flags == FlagsKSK {
		dk.KeyType = KeyTypeKSK
	} else {
		dk.KeyType = KeyTypeZSK
	}
	return dk, nil
}

func signerFromPrivateKey(k crypto.PrivateKey) (crypto.Signer, error) {
	switch pk := k.(type) {
	case *rsa.PrivateKey:
		return pk, nil
	case *ecdsa.PrivateKey:
		return pk, nil
	case ed25519.PrivateKey:
		return pk, nil
	default:
		return nil, fmt.Errorf("%w: unknown private key type %T", ErrUnsupportedAlgorithm, k)
	}
}

// DefaultKeySize returns the conventional key size for alg.
func DefaultKeySize(alg uint8) (int, error) {
	switch alg {
	case dns.ECDSAP256SHA256, dns.ED25519:
		return 256, nil
	case dns.ECDSAP384SHA384:
		return 384, nil
	case dns.RSASHA256, dns.RSASHA512:
		return 2048, nil
	}
	return 0, fmt.Errorf("%w: algorithm %d", ErrUnsupportedAlgorithm, alg)
}

// GenerateKey creates a new private key in state Generated and stores
// it. Key-tag collisions are retried up to keyGenAttempts times.
func (kdb *KeyDB) GenerateKey(zonename string, keytype KeyType, alg uint8, bits int, rolloverDays uint16, dnskeyTTL uint32) (*DnssecKey, error) {
	zonename = CanonicalName(zonename)
	if bits == 0 {
		var err error
		bits, err = DefaultKeySize(alg)
		if err != nil {
			return nil, err
		}
	}

	for attempt := 1; attempt <= keyGenAttempts; attempt++ {
		nkey := new(dns.DNSKEY)
		nkey.Hdr.Name = zonename
		nkey.Hdr.Rrtype = dns.TypeDNSKEY
		nkey.Hdr.Class = dns.ClassINET
		nkey.Hdr.Ttl = dnskeyTTL
		nkey.Flags = keytype.Flags()
		nkey.Protocol = 3
		nkey.Algorithm = alg

		privkey, err := nkey.Generate(bits)
		if err != nil {
			return nil, fmt.Errorf("GenerateKey: error from nkey.Generate: %v", err)
		}
		cs, err := signerFromPrivateKey(privkey)
		if err != nil {
			return nil, err
		}

		dk := &DnssecKey{
			ZoneName:     zonename,
			KeyTag:       nkey.KeyTag(),
			Algorithm:    alg,
			KeyType:      keytype,
			State:        KeyStateGenerated,
			StateChanged: time.Now().UTC(),
			RolloverDays: rolloverDays,
			DnskeyRR:     *nkey,
			PrivateKey:   nkey.PrivateKeyString(privkey),
			CS:           cs,
		}

		kdb.mu.Lock()
		_, collision := kdb.keys[zonename][dk.KeyTag]
		if !collision {
			kdb.cachePut(dk)
		}
		kdb.mu.Unlock()
		if collision {
			continue
		}

		if err := kdb.insertKey(dk); err != nil {
			kdb.mu.Lock()
			delete(kdb.keys[zonename], dk.KeyTag)
			kdb.mu.Unlock()
			return nil, err
		}
		return dk, nil
	}
	return nil, fmt.Errorf("zone %s: %w after %d attempts", zonename, ErrKeyTagCollision, keyGenAttempts)
}

// SetKeyState advances a key to a later lifecycle state. Backwards
// transitions are rejected.
func (kdb *KeyDB) SetKeyState(dk *DnssecKey, state KeyState) error {
	kdb.mu.Lock()
	if state <= dk.State {
		cur := dk.State
		kdb.mu.Unlock()
		return fmt.Errorf("key %d: %w: cannot move %s -> %s", dk.KeyTag, ErrInvalidInput,
			KeyStateToString[cur], KeyStateToString[state])
	}
	dk.State = state
	dk.StateChanged = time.Now().UTC()
	kdb.mu.Unlock()

	return kdb.updateKeyState(dk)
}

// MarkRetiring flags a key as being replaced by a rollover successor.
func (kdb *KeyDB) MarkRetiring(dk *DnssecKey) error {
	kdb.mu.Lock()
	dk.IsRetiring = true
	kdb.mu.Unlock()
	return kdb.updateKeyState(dk)
}

// RemoveKey deletes a dead key from the store.
func (kdb *KeyDB) RemoveKey(zonename string, keytag uint16) error {
	kdb.mu.Lock()
	zk, ok := kdb.keys[zonename]
	if ok {
		_, ok = zk[keytag]
	}
	if !ok {
		kdb.mu.Unlock()
		return fmt.Errorf("zone %s keytag %d: %w", zonename, keytag, ErrKeyNotFound)
	}
	delete(zk, keytag)
	kdb.mu.Unlock()

	return kdb.deleteKeyRow(zonename, keytag)
}

// SigningKeysFor returns the keys eligible to sign rrtype per the
// signing rules: the DNSKEY RRset is signed by every KSK in Published,
// Ready, Active or Revoked; everything else by every ZSK in Ready or
// Active.
func (kdb *KeyDB) SigningKeysFor(zonename string, rrtype uint16) []*DnssecKey {
	if rrtype == dns.TypeDNSKEY {
		return kdb.KeysInState(zonename, KeyTypeKSK,
			KeyStatePublished, KeyStateReady, KeyStateActive, KeyStateRevoked)
	}
	return kdb.KeysInState(zonename, KeyTypeZSK, KeyStateReady, KeyStateActive)
}

// Info renders the externally visible form of a key.
func (dk *DnssecKey) Info() DnssecKeyInfo {
	return DnssecKeyInfo{
		Zone:         dk.ZoneName,
		Keyid:        dk.KeyTag,
		Flags:        dk.KeyType.Flags(),
		Algorithm:    dns.AlgorithmToString[dk.Algorithm],
		KeyType:      KeyTypeToString[dk.KeyType],
		State:        KeyStateToString[dk.State],
		StateChanged: dk.StateChanged,
		IsRetiring:   dk.IsRetiring,
		Keystr:       dk.DnskeyRR.String(),
	}
}

// DnssecKeyMgmt implements the keystore management commands that do not
// need the zone facade: list, generate, delete.
func (kdb *KeyDB) DnssecKeyMgmt(kp KeystorePost) (KeystoreResponse, error) {
	var resp = KeystoreResponse{Time: time.Now(), Zone: kp.Zone}

	switch kp.SubCommand {
	case "list":
		tmp := map[string]DnssecKeyInfo{}
		for _, dk := range kdb.AllKeys(CanonicalName(kp.Zone)) {
			mapkey := fmt.Sprintf("%s::%d", dk.ZoneName, dk.KeyTag)
			tmp[mapkey] = dk.Info()
		}
		resp.Dnskeys = tmp
		resp.Msg = "Here are all the DNSSEC keys that we know"

	case "generate":
		keytype := KeyTypeZSK
		if kp.KeyType == "KSK" {
			keytype = KeyTypeKSK
		}
		dk, err := kdb.GenerateKey(kp.Zone, keytype, kp.Algorithm, kp.Bits, 0, 3600)
		if err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
			return resp, err
		}
		resp.Msg = fmt.Sprintf("Generated %s key with keyid %d for zone %s",
			KeyTypeToString[keytype], dk.KeyTag, kp.Zone)

	case "delete":
		dk, err := kdb.GetKey(CanonicalName(kp.Zone), kp.Keyid)
		if err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
			return resp, err
		}
		if err := kdb.RemoveKey(dk.ZoneName, dk.KeyTag); err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
			return resp, err
		}
		resp.Msg = fmt.Sprintf("Key %s (keyid %d) deleted", dk.ZoneName, dk.KeyTag)

	default:
		resp.Error = true
		resp.ErrorMsg = fmt.Sprintf("unknown subcommand: %s", kp.SubCommand)
	}

	return resp, nil
}

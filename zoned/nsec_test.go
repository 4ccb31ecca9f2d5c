package zoned

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertNsecChainClosed follows next-owner-name pointers from the apex
// and requires the walk to visit every chain owner exactly once before
// returning to the start.
func assertNsecChainClosed(t *testing.T, zd *ZoneData) {
	t.Helper()
	names := zd.chainOwnerNames()
	require.NotEmpty(t, names)

	visited := map[string]bool{}
	cur := zd.ZoneName
	for i := 0; i < len(names); i++ {
		rrset := zd.GetRRset(cur, dns.TypeNSEC)
		require.NotNil(t, rrset, "owner %s has no NSEC", cur)
		require.Len(t, rrset.RRs, 1, "owner %s must have exactly one NSEC", cur)
		require.False(t, visited[cur], "owner %s visited twice", cur)
		visited[cur] = true
		cur = CanonicalName(rrset.RRs[0].(*dns.NSEC).NextDomain)
	}
	assert.Equal(t, zd.ZoneName, cur, "chain must wrap back to the first owner")
	assert.Len(t, visited, len(names))
}

// End-to-end scenario: signing example. with NSEC yields one KSK in
// Published, one ZSK in Ready, a KSK-signed DNSKEY RRset, ZSK signatures
// on every RRset, a closed chain, and exactly one serial bump.
func TestSignZoneWithNsec(t *testing.T) {
	zd := newExampleZone(t)
	require.NoError(t, zd.SignZoneWithNsec())

	assert.Equal(t, SignedWithNSEC, zd.DnssecStatus)
	assert.Equal(t, uint32(2), zd.CurrentSerial)

	ksks := zd.KeyDB.KeysInState(zd.ZoneName, KeyTypeKSK, KeyStatePublished)
	zsks := zd.KeyDB.KeysInState(zd.ZoneName, KeyTypeZSK, KeyStateReady)
	require.Len(t, ksks, 1)
	require.Len(t, zsks, 1)

	// DNSKEY RRset carries both keys and is signed by the KSK.
	dnskeys := zd.GetRRset(zd.ZoneName, dns.TypeDNSKEY)
	require.NotNil(t, dnskeys)
	assert.Len(t, dnskeys.RRs, 2)
	assert.Contains(t, sigKeyTags(zd, zd.ZoneName, dns.TypeDNSKEY), ksks[0].KeyTag)

	// Everything else is signed by the ZSK.
	assert.Contains(t, sigKeyTags(zd, zd.ZoneName, dns.TypeNS), zsks[0].KeyTag)
	assert.Contains(t, sigKeyTags(zd, zd.ZoneName, dns.TypeSOA), zsks[0].KeyTag)

	assertNsecChainClosed(t, zd)
}

func TestSignZoneTwiceFails(t *testing.T) {
	zd := newSignedZone(t)
	err := zd.SignZoneWithNsec()
	assert.ErrorIs(t, err, ErrAlreadySigned)
}

func TestSignZoneRejectsAname(t *testing.T) {
	zd := newExampleZone(t)
	rr, err := dns.NewRR("web.example. 300 IN ANAME target.example.net.")
	require.NoError(t, err)
	require.NoError(t, zd.AddRecord(rr, nil))

	err = zd.SignZoneWithNsec()
	assert.ErrorIs(t, err, ErrUnsupportedInSignedZone)
}

// End-to-end scenario: adding web.example. 300 A 192.0.2.1 to a signed
// zone produces the A RRset with a ZSK RRSIG, a new NSEC at web.example.
// with bitmap {A, RRSIG, NSEC}, the predecessor's next-owner-name
// updated, and the serial bumped once.
func TestAddRecordRepairsNsecChain(t *testing.T) {
	zd := newSignedZone(t)
	preSerial := zd.CurrentSerial

	addA(t, zd, "web.example.", "192.0.2.1", 300)

	assert.Equal(t, preSerial+1, zd.CurrentSerial)

	aSet := zd.GetRRset("web.example.", dns.TypeA)
	require.NotNil(t, aSet)
	require.NotEmpty(t, aSet.RRSIGs)
	zsks := zd.KeyDB.KeysInState(zd.ZoneName, KeyTypeZSK, KeyStateReady, KeyStateActive)
	require.Len(t, zsks, 1)
	assert.Contains(t, sigKeyTags(zd, "web.example.", dns.TypeA), zsks[0].KeyTag)

	nsecSet := zd.GetRRset("web.example.", dns.TypeNSEC)
	require.NotNil(t, nsecSet)
	nsec := nsecSet.RRs[0].(*dns.NSEC)
	assert.Equal(t, []uint16{dns.TypeA, dns.TypeRRSIG, dns.TypeNSEC}, nsec.TypeBitMap)

	// The apex precedes web.example. canonically, so its NSEC now
	// points there.
	apexNsec := zd.GetRRset(zd.ZoneName, dns.TypeNSEC)
	require.NotNil(t, apexNsec)
	assert.Equal(t, "web.example.", CanonicalName(apexNsec.RRs[0].(*dns.NSEC).NextDomain))

	assertNsecChainClosed(t, zd)
}

func TestDeleteRecordRestoresNsecChain(t *testing.T) {
	zd := newSignedZone(t)

	addA(t, zd, "web.example.", "192.0.2.1", 300)
	apexNsecBefore := zd.GetRRset(zd.ZoneName, dns.TypeNSEC).RRs[0].(*dns.NSEC)
	require.Equal(t, "web.example.", CanonicalName(apexNsecBefore.NextDomain))

	require.NoError(t, zd.DeleteRecords("web.example.", dns.TypeA))

	assert.Nil(t, zd.GetRRset("web.example.", dns.TypeNSEC))
	assert.False(t, zd.NameExists("web.example."))

	apexNsec := zd.GetRRset(zd.ZoneName, dns.TypeNSEC).RRs[0].(*dns.NSEC)
	assert.Equal(t, zd.ZoneName, CanonicalName(apexNsec.NextDomain))
	assertNsecChainClosed(t, zd)
}

func TestNsecBitmapIsSorted(t *testing.T) {
	zd := newSignedZone(t)
	addA(t, zd, "web.example.", "192.0.2.1", 300)
	txt, err := dns.NewRR(`web.example. 300 IN TXT "hello"`)
	require.NoError(t, err)
	require.NoError(t, zd.AddRecord(txt, nil))

	nsec := zd.GetRRset("web.example.", dns.TypeNSEC).RRs[0].(*dns.NSEC)
	for i := 1; i < len(nsec.TypeBitMap); i++ {
		assert.Less(t, nsec.TypeBitMap[i-1], nsec.TypeBitMap[i])
	}
}

func TestReferralNsNotSigned(t *testing.T) {
	zd := newSignedZone(t)

	ns, err := dns.NewRR("child.example. 300 IN NS ns1.child.example.")
	require.NoError(t, err)
	require.NoError(t, zd.AddRecord(ns, nil))

	rrset := zd.GetRRset("child.example.", dns.TypeNS)
	require.NotNil(t, rrset)
	assert.Empty(t, rrset.RRSIGs, "delegation NS must not be signed")
}

func TestRrsigLifetimeWindow(t *testing.T) {
	zd := newSignedZone(t)

	soa, err := zd.GetSOA()
	require.NoError(t, err)
	validity := SignatureValidityPeriod(soa)
	assert.Equal(t, uint32(604800), soa.Expire)

	sigs := zd.GetRRset(zd.ZoneName, dns.TypeSOA).RRSIGs
	require.NotEmpty(t, sigs)
	sig := sigs[0].(*dns.RRSIG)
	window := int64(sig.Expiration) - int64(sig.Inception)
	assert.Equal(t, int64(validity.Seconds()), window)
}

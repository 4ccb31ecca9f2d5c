package zoned

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func newTestKeyDB(t *testing.T) *KeyDB {
	t.Helper()
	kdb, err := NewKeyDB(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kdb.Close() })
	return kdb
}

func testSOA(serial uint32) *dns.SOA {
	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: "example.", Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 900},
		Ns:      "ns1.example.",
		Mbox:    "hostmaster.example.",
		Serial:  serial,
		Refresh: 900,
		Retry:   300,
		Expire:  604800,
		Minttl:  900,
	}
}

// newExampleZone builds the unsigned example. zone with apex SOA and one
// NS, serial 1.
func newExampleZone(t *testing.T) *ZoneData {
	t.Helper()
	kdb := newTestKeyDB(t)
	zd, err := NewPrimaryZone("example.", testSOA(1), []string{"ns1.example."}, kdb)
	require.NoError(t, err)
	zd.Policy = DefaultDnssecPolicy()
	t.Cleanup(zd.Dispose)
	return zd
}

// newSignedZone returns the example zone signed with an NSEC chain.
func newSignedZone(t *testing.T) *ZoneData {
	t.Helper()
	zd := newExampleZone(t)
	require.NoError(t, zd.SignZoneWithNsec())
	return zd
}

func addA(t *testing.T, zd *ZoneData, owner, addr string, ttl uint32) {
	t.Helper()
	rr, err := dns.NewRR(fmt.Sprintf("%s %d IN A %s", owner, ttl, addr))
	require.NoError(t, err)
	require.NoError(t, zd.AddRecord(rr, nil))
}

// sigKeyTags collects the key tags of the RRSIGs covering rrtype at
// owner.
func sigKeyTags(zd *ZoneData, owner string, rrtype uint16) []uint16 {
	rrset := zd.GetRRset(owner, rrtype)
	if rrset == nil {
		return nil
	}
	var tags []uint16
	for _, sig := range rrset.RRSIGs {
		tags = append(tags, sig.(*dns.RRSIG).KeyTag)
	}
	return tags
}

package zoned

import (
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateNsec3Params(t *testing.T) {
	assert.NoError(t, ValidateNsec3Params(dns.SHA1, 0, ""))
	assert.NoError(t, ValidateNsec3Params(dns.SHA1, 50, "AABB"))
	assert.NoError(t, ValidateNsec3Params(dns.SHA1, 10, strings.Repeat("AB", 32)))

	assert.ErrorIs(t, ValidateNsec3Params(dns.SHA1, 51, ""), ErrOutOfRange)
	assert.ErrorIs(t, ValidateNsec3Params(dns.SHA1, 0, strings.Repeat("AB", 33)), ErrOutOfRange)
	assert.ErrorIs(t, ValidateNsec3Params(2, 0, ""), ErrUnsupportedAlgorithm)
}

func TestGenerateNsec3Salt(t *testing.T) {
	salt := GenerateNsec3Salt(8)
	assert.Len(t, salt, 16)
	assert.NoError(t, ValidateNsec3Params(dns.SHA1, 10, salt))
	assert.Empty(t, GenerateNsec3Salt(0))
}

// assertNsec3ChainClosed walks next-hashed-owner pointers and requires a
// single cycle over every NSEC3 in the zone.
func assertNsec3ChainClosed(t *testing.T, zd *ZoneData) {
	t.Helper()
	hashes := zd.currentNsec3Hashes()
	require.NotEmpty(t, hashes)

	visited := map[string]bool{}
	cur := hashes[0]
	for i := 0; i < len(hashes); i++ {
		rrset := zd.GetRRset(strings.ToLower(cur)+"."+zd.ZoneName, dns.TypeNSEC3)
		require.NotNil(t, rrset, "no NSEC3 at hash %s", cur)
		require.False(t, visited[cur], "hash %s visited twice", cur)
		visited[cur] = true
		cur = strings.ToUpper(rrset.RRs[0].(*dns.NSEC3).NextDomain)
	}
	assert.Equal(t, hashes[0], cur, "NSEC3 chain must wrap")
	assert.Len(t, visited, len(hashes))
}

func TestSignZoneWithNsec3(t *testing.T) {
	zd := newExampleZone(t)
	require.NoError(t, zd.SignZoneWithNsec3(10, "AABB"))

	assert.Equal(t, SignedWithNSEC3, zd.DnssecStatus)

	paramSet := zd.GetRRset(zd.ZoneName, dns.TypeNSEC3PARAM)
	require.NotNil(t, paramSet)
	param := paramSet.RRs[0].(*dns.NSEC3PARAM)
	assert.Equal(t, uint8(dns.SHA1), param.Hash)
	assert.Equal(t, uint16(10), param.Iterations)
	assert.Equal(t, "AABB", param.Salt)

	assertNsec3ChainClosed(t, zd)
}

func TestSignZoneWithNsec3RejectsBadParams(t *testing.T) {
	zd := newExampleZone(t)
	assert.ErrorIs(t, zd.SignZoneWithNsec3(51, ""), ErrOutOfRange)
	assert.ErrorIs(t, zd.SignZoneWithNsec3(10, strings.Repeat("AB", 33)), ErrOutOfRange)
}

// End-to-end scenario: NSEC3 zone with iterations=10, salt AABB. Adding
// and then deleting a.example. removes the NSEC3 at hash(a.example.)
// and restores the predecessor's next-hashed-owner.
func TestNsec3AddDeleteRestoresChain(t *testing.T) {
	zd := newExampleZone(t)
	require.NoError(t, zd.SignZoneWithNsec3(10, "AABB"))

	hashesBefore := zd.currentNsec3Hashes()

	addA(t, zd, "a.example.", "192.0.2.7", 300)
	aHash := zd.hashedOwnerLabel("a.example.")
	assert.Contains(t, zd.currentNsec3Hashes(), aHash)
	assertNsec3ChainClosed(t, zd)

	require.NoError(t, zd.DeleteRecords("a.example.", dns.TypeA))
	assert.NotContains(t, zd.currentNsec3Hashes(), aHash)
	assert.Nil(t, zd.GetRRset(strings.ToLower(aHash)+"."+zd.ZoneName, dns.TypeNSEC3))
	assert.Equal(t, hashesBefore, zd.currentNsec3Hashes())
	assertNsec3ChainClosed(t, zd)
}

func TestNsec3EmptyNonTerminals(t *testing.T) {
	zd := newExampleZone(t)
	require.NoError(t, zd.SignZoneWithNsec3(5, ""))

	// host.sub.example. makes sub.example. an empty non-terminal; both
	// must appear in the chain.
	addA(t, zd, "host.sub.example.", "192.0.2.9", 300)

	hostHash := zd.hashedOwnerLabel("host.sub.example.")
	entHash := zd.hashedOwnerLabel("sub.example.")
	hashes := zd.currentNsec3Hashes()
	assert.Contains(t, hashes, hostHash)
	assert.Contains(t, hashes, entHash)

	// The ENT's NSEC3 has an empty type bitmap.
	entSet := zd.GetRRset(strings.ToLower(entHash)+"."+zd.ZoneName, dns.TypeNSEC3)
	require.NotNil(t, entSet)
	assert.Empty(t, entSet.RRs[0].(*dns.NSEC3).TypeBitMap)

	assertNsec3ChainClosed(t, zd)
}

func TestUpdateNsec3ParamsSameValuesIsNoop(t *testing.T) {
	zd := newExampleZone(t)
	require.NoError(t, zd.SignZoneWithNsec3(10, "AABB"))
	serial := zd.CurrentSerial
	entries := zd.Journal.Len()

	require.NoError(t, zd.UpdateNsec3Params(10, "AABB"))
	assert.Equal(t, serial, zd.CurrentSerial)
	assert.Equal(t, entries, zd.Journal.Len())

	// A different value re-hashes the chain and commits.
	require.NoError(t, zd.UpdateNsec3Params(12, "AABB"))
	assert.Greater(t, zd.CurrentSerial, serial)
	assert.Equal(t, uint16(12), zd.Nsec3Param.Iterations)
	assertNsec3ChainClosed(t, zd)
}

func TestConvertBetweenDenialModes(t *testing.T) {
	zd := newSignedZone(t)
	addA(t, zd, "web.example.", "192.0.2.1", 300)

	require.NoError(t, zd.ConvertToNsec3(10, "AABB"))
	assert.Equal(t, SignedWithNSEC3, zd.DnssecStatus)
	assert.Nil(t, zd.GetRRset(zd.ZoneName, dns.TypeNSEC))
	assertNsec3ChainClosed(t, zd)

	require.NoError(t, zd.ConvertToNsec())
	assert.Equal(t, SignedWithNSEC, zd.DnssecStatus)
	assert.Nil(t, zd.GetRRset(zd.ZoneName, dns.TypeNSEC3PARAM))
	assert.Nil(t, zd.Nsec3Param)
	assertNsecChainClosed(t, zd)

	// Converting on an unsigned zone fails.
	unsigned := newExampleZone(t)
	assert.ErrorIs(t, unsigned.ConvertToNsec3(10, ""), ErrNotSigned)
	assert.ErrorIs(t, unsigned.ConvertToNsec(), ErrNotSigned)
}

package zoned

import (
	"sort"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sortedRRStrings(zd *ZoneData) []string {
	var out []string
	for _, rr := range zd.snapshotAllRRs() {
		out = append(out, rr.String())
	}
	sort.Strings(out)
	return out
}

func TestZoneBlobRoundTrip(t *testing.T) {
	zd := newSignedZone(t)
	addA(t, zd, "web.example.", "192.0.2.1", 300)
	addA(t, zd, "mail.example.", "192.0.2.2", 300)

	data, err := zd.ToBytes()
	require.NoError(t, err)

	kdb2 := newTestKeyDB(t)
	loaded, err := FromBytes(data, kdb2)
	require.NoError(t, err)

	assert.Equal(t, zd.ZoneName, loaded.ZoneName)
	assert.Equal(t, zd.DnssecStatus, loaded.DnssecStatus)
	assert.Equal(t, zd.CurrentSerial, loaded.CurrentSerial)
	assert.Equal(t, zd.Internal, loaded.Internal)

	want := sortedRRStrings(zd)
	got := sortedRRStrings(loaded)
	if !assert.Equal(t, want, got) {
		t.Logf("zone dump:\n%s", spew.Sdump(got))
	}

	// Keys round-trip with their state machine position intact.
	origKeys := zd.KeyDB.AllKeys(zd.ZoneName)
	loadedKeys := kdb2.AllKeys(zd.ZoneName)
	require.Len(t, loadedKeys, len(origKeys))
	for _, ok := range origKeys {
		lk, err := kdb2.GetKey(zd.ZoneName, ok.KeyTag)
		require.NoError(t, err)
		assert.Equal(t, ok.State, lk.State)
		assert.Equal(t, ok.KeyType, lk.KeyType)
		assert.Equal(t, ok.Algorithm, lk.Algorithm)
		assert.Equal(t, ok.RolloverDays, lk.RolloverDays)
		assert.Equal(t, ok.IsRetiring, lk.IsRetiring)
		assert.True(t, ok.StateChanged.Equal(lk.StateChanged))
	}

	// Journal round-trips up to truncation.
	origSeqs := zd.Journal.Snapshot()
	loadedSeqs := loaded.Journal.Snapshot()
	require.Len(t, loadedSeqs, len(origSeqs))
	for i := range origSeqs {
		assert.True(t, loadedSeqs[i].Equals(origSeqs[i]),
			"journal sequence %d differs after round trip", i)
		assert.Equal(t, origSeqs[i].CommitID, loadedSeqs[i].CommitID)
	}
}

func TestNsec3ZoneBlobRoundTrip(t *testing.T) {
	zd := newExampleZone(t)
	require.NoError(t, zd.SignZoneWithNsec3(10, "AABB"))
	addA(t, zd, "a.example.", "192.0.2.7", 300)

	data, err := zd.ToBytes()
	require.NoError(t, err)
	loaded, err := FromBytes(data, newTestKeyDB(t))
	require.NoError(t, err)

	require.NotNil(t, loaded.Nsec3Param)
	assert.Equal(t, uint16(10), loaded.Nsec3Param.Iterations)
	assert.Equal(t, "AABB", loaded.Nsec3Param.Salt)
	assert.Equal(t, sortedRRStrings(zd), sortedRRStrings(loaded))
	assertNsec3ChainClosed(t, loaded)
}

func TestUnknownBlobVersion(t *testing.T) {
	zd := newExampleZone(t)
	data, err := zd.ToBytes()
	require.NoError(t, err)

	data[0] = 99
	_, err = FromBytes(data, newTestKeyDB(t))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestBlobRecordInfoSurvives(t *testing.T) {
	kdb := newTestKeyDB(t)
	zd, err := NewPrimaryZone("example.", testSOA(1), nil, kdb)
	require.NoError(t, err)

	glue := mustRR(t, "ns1.child.example. 300 IN A 192.0.2.53")
	ns := mustRR(t, "child.example. 300 IN NS ns1.child.example.")
	require.NoError(t, zd.AddRecord(ns, &RecordInfo{Comment: "delegation", Glue: []dns.RR{glue}}))

	data, err := zd.ToBytes()
	require.NoError(t, err)
	loaded, err := FromBytes(data, newTestKeyDB(t))
	require.NoError(t, err)

	rrset := loaded.GetRRset("child.example.", dns.TypeNS)
	require.NotNil(t, rrset)
	info := rrset.InfoFor(ns)
	require.NotNil(t, info)
	assert.Equal(t, "delegation", info.Comment)
	require.Len(t, info.Glue, 1)
	assert.Equal(t, glue.String(), info.Glue[0].String())
}

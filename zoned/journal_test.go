package zoned

import (
	"math"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jessenich/DnsServer/zoned/ixfr"
)

// End-to-end scenario: unsigned example. with SOA serial 1; setting the
// NS RRset journals (old-SOA serial=1) then (new-SOA serial=2) then the
// NS, with no RRSIG anywhere.
func TestUnsignedCommitJournalOrder(t *testing.T) {
	kdb := newTestKeyDB(t)
	zd, err := NewPrimaryZone("example.", testSOA(1), nil, kdb)
	require.NoError(t, err)

	nsSet := RRset{
		Name:  "example.",
		RRs:   []dns.RR{mustRR(t, "example. 900 IN NS ns1.example.")},
		Infos: []*RecordInfo{nil},
	}
	require.NoError(t, zd.SetRecords("example.", dns.TypeNS, nsSet))

	seqs := zd.Journal.Snapshot()
	require.Len(t, seqs, 1)
	seq := seqs[0]

	assert.Equal(t, uint32(1), seq.StartSOASerial)
	assert.Equal(t, uint32(2), seq.EndSOASerial)
	assert.Equal(t, uint32(2), zd.CurrentSerial)
	assert.NotEmpty(t, seq.CommitID)

	require.NotEmpty(t, seq.DeletedRecords)
	oldSOA, ok := seq.DeletedRecords[0].(*dns.SOA)
	require.True(t, ok, "first deleted record must be the old SOA")
	assert.Equal(t, uint32(1), oldSOA.Serial)

	require.Len(t, seq.AddedRecords, 2)
	newSOA, ok := seq.AddedRecords[0].(*dns.SOA)
	require.True(t, ok, "first added record must be the new SOA")
	assert.Equal(t, uint32(2), newSOA.Serial)
	assert.Equal(t, dns.TypeNS, seq.AddedRecords[1].Header().Rrtype)

	for _, rr := range append(seq.DeletedRecords, seq.AddedRecords...) {
		assert.NotEqual(t, dns.TypeRRSIG, rr.Header().Rrtype)
	}
}

func TestSerialWrap(t *testing.T) {
	kdb := newTestKeyDB(t)
	zd, err := NewPrimaryZone("example.", testSOA(math.MaxUint32), nil, kdb)
	require.NoError(t, err)

	nsSet := RRset{
		Name:  "example.",
		RRs:   []dns.RR{mustRR(t, "example. 900 IN NS ns1.example.")},
		Infos: []*RecordInfo{nil},
	}
	require.NoError(t, zd.SetRecords("example.", dns.TypeNS, nsSet))
	assert.Equal(t, uint32(1), zd.CurrentSerial)

	soa, err := zd.GetSOA()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), soa.Serial)
}

func TestChooseSerial(t *testing.T) {
	assert.Equal(t, uint32(6), ChooseSerial(5, 2))
	assert.Equal(t, uint32(100), ChooseSerial(5, 100))
	assert.Equal(t, uint32(1), ChooseSerial(math.MaxUint32, 42))
	assert.Equal(t, uint32(2), NextSerial(1))
	assert.Equal(t, uint32(1), NextSerial(math.MaxUint32))
}

func TestIdempotentSetIsNoop(t *testing.T) {
	zd := newExampleZone(t)

	aSet := RRset{
		Name:  "web.example.",
		RRs:   []dns.RR{mustRR(t, "web.example. 300 IN A 192.0.2.1")},
		Infos: []*RecordInfo{nil},
	}
	require.NoError(t, zd.SetRecords("web.example.", dns.TypeA, aSet))
	serial := zd.CurrentSerial
	entries := zd.Journal.Len()

	// Same mutation again: no new journal entry, serial unchanged.
	require.NoError(t, zd.SetRecords("web.example.", dns.TypeA, aSet))
	assert.Equal(t, serial, zd.CurrentSerial)
	assert.Equal(t, entries, zd.Journal.Len())
}

func TestIdempotentAddIsNoop(t *testing.T) {
	zd := newExampleZone(t)

	addA(t, zd, "web.example.", "192.0.2.1", 300)
	serial := zd.CurrentSerial
	entries := zd.Journal.Len()

	addA(t, zd, "web.example.", "192.0.2.1", 300)
	assert.Equal(t, serial, zd.CurrentSerial)
	assert.Equal(t, entries, zd.Journal.Len())
}

func TestInternalZoneSkipsJournal(t *testing.T) {
	kdb := newTestKeyDB(t)
	zd, err := NewPrimaryZone("internal.example.", testSOA(1), nil, kdb)
	require.NoError(t, err)
	zd.Internal = true

	addA(t, zd, "host.internal.example.", "192.0.2.1", 300)
	assert.Equal(t, 0, zd.Journal.Len())
	assert.Equal(t, uint32(1), zd.CurrentSerial)
}

func TestJournalTrimWholeCommitsOnly(t *testing.T) {
	j := &Journal{}
	now := time.Now().UTC()

	old := ixfr.CreateDiffSequence(1, 2)
	old.CommitTime = now.Add(-10 * 24 * time.Hour)
	mid := ixfr.CreateDiffSequence(2, 3)
	mid.CommitTime = now.Add(-8 * 24 * time.Hour)
	fresh := ixfr.CreateDiffSequence(3, 4)
	fresh.CommitTime = now.Add(-time.Hour)

	j.Append(old)
	j.Append(mid)
	j.Append(fresh)

	j.TrimOlderThan(7*24*time.Hour, now)
	seqs := j.Snapshot()
	require.Len(t, seqs, 1)
	assert.Equal(t, uint32(3), seqs[0].StartSOASerial)
}

func TestIxfrResponseFromJournal(t *testing.T) {
	zd := newExampleZone(t)

	addA(t, zd, "web.example.", "192.0.2.1", 300) // serial 2
	addA(t, zd, "mail.example.", "192.0.2.2", 300) // serial 3

	answer, ok := zd.IxfrResponse(1)
	require.True(t, ok)
	require.NotEmpty(t, answer)

	// RFC 1995 framing: bracketed by the final SOA.
	first, ok := answer[0].(*dns.SOA)
	require.True(t, ok)
	last, ok := answer[len(answer)-1].(*dns.SOA)
	require.True(t, ok)
	assert.Equal(t, uint32(3), first.Serial)
	assert.Equal(t, uint32(3), last.Serial)

	// A range the journal no longer covers forces AXFR fallback.
	_, ok = zd.IxfrResponse(99)
	assert.False(t, ok)

	// A current secondary gets an empty transfer.
	transfer, ok := ixfr.FromJournal(zd.Journal.Snapshot(), 3)
	require.True(t, ok)
	assert.Empty(t, transfer.DiffSequences)
}

func TestConcurrentAddsKeepSerialDiscipline(t *testing.T) {
	zd := newSignedZone(t)
	pre := zd.CurrentSerial

	done := make(chan error, 2)
	go func() {
		rr, _ := dns.NewRR("alpha.example. 300 IN A 192.0.2.10")
		done <- zd.AddRecord(rr, nil)
	}()
	go func() {
		rr, _ := dns.NewRR("beta.example. 300 IN A 192.0.2.11")
		done <- zd.AddRecord(rr, nil)
	}()
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	assert.Equal(t, pre+2, zd.CurrentSerial)

	// Both commits journaled, serials contiguous.
	seqs := zd.Journal.Snapshot()
	require.GreaterOrEqual(t, len(seqs), 2)
	tail := seqs[len(seqs)-2:]
	assert.Equal(t, pre, tail[0].StartSOASerial)
	assert.Equal(t, pre+1, tail[0].EndSOASerial)
	assert.Equal(t, pre+1, tail[1].StartSOASerial)
	assert.Equal(t, pre+2, tail[1].EndSOASerial)

	// The denial chain is still one closed cycle over all owners.
	assertNsecChainClosed(t, zd)
}

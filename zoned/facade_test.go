package zoned

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApexConstraints(t *testing.T) {
	zd := newExampleZone(t)

	cname := RRset{
		Name:  "example.",
		RRs:   []dns.RR{mustRR(t, "example. 300 IN CNAME other.example.net.")},
		Infos: []*RecordInfo{nil},
	}
	assert.ErrorIs(t, zd.SetRecords("example.", dns.TypeCNAME, cname), ErrInvalidApexOperation)

	ds := RRset{
		Name:  "example.",
		RRs:   []dns.RR{mustRR(t, "example. 300 IN DS 12345 13 2 aabbccdd")},
		Infos: []*RecordInfo{nil},
	}
	assert.ErrorIs(t, zd.SetRecords("example.", dns.TypeDS, ds), ErrInvalidApexOperation)

	// DS below the apex (at a delegation point) is allowed.
	childDS := RRset{
		Name:  "child.example.",
		RRs:   []dns.RR{mustRR(t, "child.example. 300 IN DS 12345 13 2 aabbccdd")},
		Infos: []*RecordInfo{nil},
	}
	assert.NoError(t, zd.SetRecords("child.example.", dns.TypeDS, childDS))
}

func TestInternalTypesRejected(t *testing.T) {
	zd := newSignedZone(t)

	for _, rrtype := range []uint16{dns.TypeDNSKEY, dns.TypeRRSIG, dns.TypeNSEC, dns.TypeNSEC3, dns.TypeNSEC3PARAM} {
		err := zd.SetRecords("example.", rrtype, RRset{Name: "example."})
		assert.ErrorIs(t, err, ErrInvalidInput, "type %s must be internal", dns.TypeToString[rrtype])
		assert.ErrorIs(t, zd.DeleteRecords("example.", rrtype), ErrInvalidInput)
	}
}

func TestSoaValidation(t *testing.T) {
	zd := newExampleZone(t)

	// TTL above EXPIRE.
	bad := testSOA(5)
	bad.Hdr.Ttl = bad.Expire + 1
	err := zd.SetRecords("example.", dns.TypeSOA, RRset{
		Name: "example.", RRs: []dns.RR{bad}, Infos: []*RecordInfo{nil}})
	assert.ErrorIs(t, err, ErrOutOfRange)

	// RETRY above REFRESH.
	bad = testSOA(5)
	bad.Retry = bad.Refresh + 1
	err = zd.SetRecords("example.", dns.TypeSOA, RRset{
		Name: "example.", RRs: []dns.RR{bad}, Infos: []*RecordInfo{nil}})
	assert.ErrorIs(t, err, ErrOutOfRange)

	// REFRESH above EXPIRE.
	bad = testSOA(5)
	bad.Refresh = bad.Expire + 1
	bad.Retry = bad.Refresh
	err = zd.SetRecords("example.", dns.TypeSOA, RRset{
		Name: "example.", RRs: []dns.RR{bad}, Infos: []*RecordInfo{nil}})
	assert.ErrorIs(t, err, ErrOutOfRange)

	// TTL equal to EXPIRE is the boundary and passes.
	ok := testSOA(5)
	ok.Hdr.Ttl = ok.Expire
	err = zd.SetRecords("example.", dns.TypeSOA, RRset{
		Name: "example.", RRs: []dns.RR{ok}, Infos: []*RecordInfo{nil}})
	assert.NoError(t, err)

	// A supplied SOA serial wins when larger than old+1.
	soa, err := zd.GetSOA()
	require.NoError(t, err)
	assert.Equal(t, uint32(5), soa.Serial)
}

func TestSoaDeleteForbidden(t *testing.T) {
	zd := newExampleZone(t)
	assert.ErrorIs(t, zd.DeleteRecords("example.", dns.TypeSOA), ErrInvalidApexOperation)
	assert.ErrorIs(t, zd.DeleteRecord("example.", testSOA(1)), ErrInvalidApexOperation)
}

func TestSignedZoneRejectsAnameAppDisabled(t *testing.T) {
	zd := newSignedZone(t)

	aname, err := dns.NewRR("web.example. 300 IN ANAME target.example.net.")
	require.NoError(t, err)
	assert.ErrorIs(t, zd.AddRecord(aname, nil), ErrUnsupportedInSignedZone)

	app, err := dns.NewRR(`svc.example. 300 IN APP myapp "config"`)
	require.NoError(t, err)
	// APP can never be added record-wise, signed or not.
	assert.ErrorIs(t, zd.AddRecord(app, nil), ErrInvalidInput)
	// And setting it in a signed zone is refused.
	err = zd.SetRecords("svc.example.", TypeAPP, RRset{
		Name: "svc.example.", RRs: []dns.RR{app}, Infos: []*RecordInfo{nil}})
	assert.ErrorIs(t, err, ErrUnsupportedInSignedZone)

	// Disabled records cannot enter a signed zone.
	a := mustRR(t, "web.example. 300 IN A 192.0.2.1")
	err = zd.AddRecord(a, &RecordInfo{Disabled: true})
	assert.ErrorIs(t, err, ErrUnsupportedInSignedZone)
}

func TestUnsignedZoneAcceptsAname(t *testing.T) {
	zd := newExampleZone(t)
	aname, err := dns.NewRR("web.example. 300 IN ANAME target.example.net.")
	require.NoError(t, err)
	assert.NoError(t, zd.AddRecord(aname, nil))
}

func TestFwdRejected(t *testing.T) {
	zd := newExampleZone(t)
	err := zd.SetRecords("fwd.example.", TypeFWD, RRset{Name: "fwd.example."})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestUpdateRecord(t *testing.T) {
	zd := newExampleZone(t)
	addA(t, zd, "web.example.", "192.0.2.1", 300)
	serial := zd.CurrentSerial

	oldRR := mustRR(t, "web.example. 300 IN A 192.0.2.1")
	newRR := mustRR(t, "web.example. 300 IN A 192.0.2.99")
	require.NoError(t, zd.UpdateRecord(oldRR, newRR, nil))

	rrset := zd.GetRRset("web.example.", dns.TypeA)
	require.NotNil(t, rrset)
	require.Len(t, rrset.RRs, 1)
	assert.Contains(t, rrset.RRs[0].String(), "192.0.2.99")
	assert.Equal(t, serial+1, zd.CurrentSerial)
}

func TestUpdateRecordTypeMismatch(t *testing.T) {
	zd := newExampleZone(t)
	addA(t, zd, "web.example.", "192.0.2.1", 300)

	oldRR := mustRR(t, "web.example. 300 IN A 192.0.2.1")
	newRR := mustRR(t, `web.example. 300 IN TXT "nope"`)
	assert.ErrorIs(t, zd.UpdateRecord(oldRR, newRR, nil), ErrInvalidInput)
}

func TestUpdateRecordTTLBounds(t *testing.T) {
	zd := newExampleZone(t)
	addA(t, zd, "web.example.", "192.0.2.1", 300)

	oldRR := mustRR(t, "web.example. 300 IN A 192.0.2.1")
	tooLong := mustRR(t, "web.example. 604801 IN A 192.0.2.1")
	assert.ErrorIs(t, zd.UpdateRecord(oldRR, tooLong, nil), ErrOutOfRange)

	// TTL equal to EXPIRE passes.
	atBound := mustRR(t, "web.example. 604800 IN A 192.0.2.1")
	assert.NoError(t, zd.UpdateRecord(oldRR, atBound, nil))
}

func TestUpdateRecordMovesOwner(t *testing.T) {
	zd := newSignedZone(t)
	addA(t, zd, "web.example.", "192.0.2.1", 300)

	oldRR := mustRR(t, "web.example. 300 IN A 192.0.2.1")
	newRR := mustRR(t, "www.example. 300 IN A 192.0.2.1")
	require.NoError(t, zd.UpdateRecord(oldRR, newRR, nil))

	assert.Nil(t, zd.GetRRset("web.example.", dns.TypeA))
	require.NotNil(t, zd.GetRRset("www.example.", dns.TypeA))
	assert.Nil(t, zd.GetRRset("web.example.", dns.TypeNSEC))
	assert.NotNil(t, zd.GetRRset("www.example.", dns.TypeNSEC))
	assertNsecChainClosed(t, zd)
}

func TestMutationOutsideZoneRejected(t *testing.T) {
	zd := newExampleZone(t)
	rr := mustRR(t, "host.elsewhere. 300 IN A 192.0.2.1")
	assert.ErrorIs(t, zd.AddRecord(rr, nil), ErrInvalidInput)
}

func TestNsGlueJoinsJournal(t *testing.T) {
	zd := newExampleZone(t)

	ns := mustRR(t, "child.example. 300 IN NS ns1.child.example.")
	glue := mustRR(t, "ns1.child.example. 300 IN A 192.0.2.53")
	require.NoError(t, zd.AddRecord(ns, &RecordInfo{Glue: []dns.RR{glue}}))

	seqs := zd.Journal.Snapshot()
	require.NotEmpty(t, seqs)
	last := seqs[len(seqs)-1]

	var sawNS, sawGlue bool
	for _, rr := range last.AddedRecords {
		if rr.Header().Rrtype == dns.TypeNS {
			sawNS = true
		}
		if rr.Header().Rrtype == dns.TypeA && CanonicalName(rr.Header().Name) == "ns1.child.example." {
			sawGlue = true
		}
	}
	assert.True(t, sawNS)
	assert.True(t, sawGlue, "NS glue must be journaled with the NS record")
}

func TestUnsignOnUnsignedFails(t *testing.T) {
	zd := newExampleZone(t)
	assert.ErrorIs(t, zd.UnsignZone(), ErrNotSigned)
}

func TestUnsignZoneStripsDnssec(t *testing.T) {
	zd := newSignedZone(t)
	addA(t, zd, "web.example.", "192.0.2.1", 300)

	require.NoError(t, zd.UnsignZone())
	assert.Equal(t, Unsigned, zd.DnssecStatus)
	assert.Nil(t, zd.GetRRset(zd.ZoneName, dns.TypeDNSKEY))
	assert.Nil(t, zd.GetRRset(zd.ZoneName, dns.TypeNSEC))
	assert.Empty(t, zd.KeyDB.AllKeys(zd.ZoneName))

	for _, name := range zd.GetOwnerNames() {
		owner := zd.GetOwner(name)
		for _, rrtype := range owner.RRtypes.Keys() {
			rrset, _ := owner.RRtypes.Get(rrtype)
			assert.Empty(t, rrset.RRSIGs, "RRSIGs must be gone at %s %s", name, dns.TypeToString[rrtype])
		}
	}
}

func TestNotifierTriggeredOnMutation(t *testing.T) {
	zd := newExampleZone(t)
	n := &countingNotifier{}
	zd.Notifier = n

	addA(t, zd, "web.example.", "192.0.2.1", 300)
	assert.Equal(t, 1, n.triggers)

	// A no-op mutation does not notify.
	addA(t, zd, "web.example.", "192.0.2.1", 300)
	assert.Equal(t, 1, n.triggers)
}

type countingNotifier struct {
	triggers int
	disabled bool
}

func (n *countingNotifier) TriggerNotify()      { n.triggers++ }
func (n *countingNotifier) DisableNotifyTimer() { n.disabled = true }

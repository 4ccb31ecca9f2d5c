package zoned

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParentZoneName(t *testing.T) {
	zd := newExampleZone(t)
	assert.Equal(t, ".", zd.ParentZoneName())

	kdb := newTestKeyDB(t)
	sub, err := NewPrimaryZone("sub.example.com.", &dns.SOA{
		Hdr: dns.RR_Header{Ttl: 900}, Ns: "ns1.sub.example.com.", Mbox: "h.sub.example.com.",
		Serial: 1, Refresh: 900, Retry: 300, Expire: 604800, Minttl: 900,
	}, nil, kdb)
	require.NoError(t, err)
	assert.Equal(t, "example.com.", sub.ParentZoneName())
}

func TestParentPropagationDelayDefault(t *testing.T) {
	zd := newExampleZone(t)
	// No querier wired: the documented 24 h default applies.
	assert.Equal(t, DefaultParentPropagationDelay, zd.ParentPropagationDelay())
}

func TestParentPropagationDelayFromSoa(t *testing.T) {
	kdb := newTestKeyDB(t)
	zd, err := NewPrimaryZone("child.example.org.", &dns.SOA{
		Hdr: dns.RR_Header{Ttl: 900}, Ns: "ns1.example.org.", Mbox: "h.example.org.",
		Serial: 1, Refresh: 900, Retry: 300, Expire: 604800, Minttl: 900,
	}, nil, kdb)
	require.NoError(t, err)

	parentSOA := mustRR(t, "example.org. 3600 IN SOA ns1.example.org. h.example.org. 7 1800 600 1209600 300")
	zd.Querier = &fakeQuerier{answers: map[uint16][]dns.RR{dns.TypeSOA: {parentSOA}}}

	delay := zd.ParentPropagationDelay()
	assert.Equal(t, time.Duration(1800+600)*time.Second, delay)
}

func TestPropagationDelayIsRefreshPlusRetry(t *testing.T) {
	// PropagationDelay is REFRESH + RETRY.
	soa := testSOA(1)
	assert.Equal(t, time.Duration(1200)*time.Second, PropagationDelay(soa))
}

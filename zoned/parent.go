/*
 * Copyright (c) 2024 Jesse Nich
 */
package zoned

import (
	"strings"
	"time"

	"github.com/miekg/dns"
	gocache "github.com/patrickmn/go-cache"
)

// Parent-side probing. The only I/O the maintenance path performs:
// looking up the apex DS at the parent (to activate a Ready KSK) and the
// parent SOA (for the parent-side propagation delay). Lookups carry a
// 10 s timeout; on failure the documented defaults apply and the error
// is logged, never propagated as fatal.

const (
	parentQueryTimeout = 10 * time.Second

	// Defaults when the parent cannot be reached.
	DefaultDsTTL                  = 24 * time.Hour
	DefaultParentPropagationDelay = 24 * time.Hour
)

// parentCache holds parent SOA derived values between probes. DS answers
// are deliberately flushed before every probe, so only the parent
// propagation delay is worth keeping.
var parentCache = gocache.New(gocache.NoExpiration, 10*time.Minute)

// ParentZoneName returns the name one label up from the apex.
func (zd *ZoneData) ParentZoneName() string {
	labels := dns.SplitDomainName(zd.ZoneName)
	if len(labels) <= 1 {
		return "."
	}
	return CanonicalName(joinLabels(labels[1:]))
}

// ParentDsPublished probes the parent for a DS matching dk (key tag,
// algorithm and digest). The cached DS entry for the apex is flushed
// first so the probe never sees stale data.
func (zd *ZoneData) ParentDsPublished(dk *DnssecKey) (bool, error) {
	if zd.Querier == nil {
		return false, nil
	}

	zd.Querier.FlushCache(zd.ZoneName, dns.TypeDS)
	parentCache.Delete("ds::" + zd.ZoneName)

	q := dns.Question{Name: zd.ZoneName, Qtype: dns.TypeDS, Qclass: dns.ClassINET}
	resp, err := zd.Querier.Query(q, parentQueryTimeout)
	if err != nil {
		return false, err
	}

	for _, rr := range resp.Answer {
		ds, ok := rr.(*dns.DS)
		if !ok {
			continue
		}
		if ds.KeyTag != dk.KeyTag || ds.Algorithm != dk.Algorithm {
			continue
		}
		computed := dk.DnskeyRR.ToDS(ds.DigestType)
		if computed == nil {
			continue
		}
		if strings.EqualFold(computed.Digest, ds.Digest) {
			return true, nil
		}
	}
	return false, nil
}

// ParentPropagationDelay fetches the parent zone's SOA and derives the
// parent-side propagation delay (REFRESH+RETRY). Defaults to 24 h when
// the parent cannot be reached.
func (zd *ZoneData) ParentPropagationDelay() time.Duration {
	parent := zd.ParentZoneName()
	cacheKey := "parentprop::" + parent
	if v, found := parentCache.Get(cacheKey); found {
		return v.(time.Duration)
	}

	if zd.Querier == nil {
		return DefaultParentPropagationDelay
	}

	q := dns.Question{Name: parent, Qtype: dns.TypeSOA, Qclass: dns.ClassINET}
	resp, err := zd.Querier.Query(q, parentQueryTimeout)
	if err != nil {
		zd.logf("ParentPropagationDelay: zone %s: SOA lookup for parent %s failed: %v; using default",
			zd.ZoneName, parent, err)
		return DefaultParentPropagationDelay
	}

	for _, rr := range append(resp.Answer, resp.Ns...) {
		if soa, ok := rr.(*dns.SOA); ok {
			delay := PropagationDelay(soa)
			parentCache.Set(cacheKey, delay, time.Duration(soa.Minttl)*time.Second)
			return delay
		}
	}
	return DefaultParentPropagationDelay
}


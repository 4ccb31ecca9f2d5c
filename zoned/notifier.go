/*
 * Copyright (c) 2024 Jesse Nich
 */
package zoned

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/miekg/dns"
)

// The core consumes the Notifier interface only; this file carries the
// default implementation the embedding server wires up: a channel-fed
// engine that sends NOTIFY(SOA) to the zone's downstream secondaries.

type NotifyRequest struct {
	ZoneName string
	Targets  []string // []addr:port
	Response chan NotifyResponse
}

type NotifyResponse struct {
	Msg      string
	Rcode    int
	Error    bool
	ErrorMsg string
}

// DownstreamNotifier is the default Notifier: TriggerNotify enqueues a
// request for the engine; DisableNotifyTimer stops further requests from
// being enqueued, while a request already in the queue is still sent.
type DownstreamNotifier struct {
	mu          sync.Mutex
	ZoneName    string
	Downstreams []string
	Queue       chan NotifyRequest
	disabled    bool
}

func NewDownstreamNotifier(zonename string, downstreams []string, queue chan NotifyRequest) *DownstreamNotifier {
	return &DownstreamNotifier{
		ZoneName:    zonename,
		Downstreams: downstreams,
		Queue:       queue,
	}
}

func (n *DownstreamNotifier) TriggerNotify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disabled || len(n.Downstreams) == 0 {
		return
	}
	select {
	case n.Queue <- NotifyRequest{ZoneName: n.ZoneName, Targets: n.Downstreams}:
	default:
		// A notify is already pending; the secondaries will catch up
		// from the journal regardless.
	}
}

func (n *DownstreamNotifier) DisableNotifyTimer() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disabled = true
}

// NotifierEngine drains the notify queue. One engine serves all zones;
// this is also where send rate limiting per zone would go.
func NotifierEngine(ctx context.Context, notifyreqQ chan NotifyRequest) error {
	log.Printf("*** NotifierEngine: starting")
	for {
		select {
		case <-ctx.Done():
			log.Println("NotifierEngine: terminating due to context cancelled")
			return nil
		case nr, ok := <-notifyreqQ:
			if !ok {
				log.Println("NotifierEngine: terminating due to notifyreqQ closed")
				return nil
			}

			log.Printf("NotifierEngine: Zone %q: will notify downstreams", nr.ZoneName)
			rcode, err := SendNotify(nr.ZoneName, nr.Targets)

			if nr.Response != nil {
				resp := NotifyResponse{Msg: "OK", Rcode: rcode}
				if err != nil {
					resp.Error = true
					resp.ErrorMsg = err.Error()
				}
				select {
				case nr.Response <- resp:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// SendNotify sends NOTIFY(SOA) for zonename to each target until one
// answers NOERROR.
func SendNotify(zonename string, targets []string) (int, error) {
	if zonename == "." || zonename == "" {
		return dns.RcodeServerFailure, fmt.Errorf("zone %q: error: zone name not specified. Ignoring notify request", zonename)
	}
	if len(targets) == 0 {
		return dns.RcodeServerFailure, fmt.Errorf("zone %q: error: no downstreams. Ignoring notify request", zonename)
	}

	for _, dst := range targets {
		m := new(dns.Msg)
		m.SetNotify(dns.Fqdn(zonename))

		res, err := dns.Exchange(m, dst)
		if err != nil {
			log.Printf("Error from dns.Exchange(%q, NOTIFY(SOA)): %v. Trying next NOTIFY target.", dst, err)
			continue
		}
		if res.Rcode != dns.RcodeSuccess {
			log.Printf("Error: Rcode: %q from NOTIFY target %q", dns.RcodeToString[res.Rcode], dst)
			continue
		}
		return res.Rcode, nil
	}
	return dns.RcodeServerFailure, fmt.Errorf("Error: No response from any NOTIFY target to NOTIFY(SOA)")
}

/*
 * Copyright (c) 2024 Jesse Nich
 */

package zoned

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// Private type codes for the application-specific record extensions.
// Neither may exist in a signed zone.
const TypeANAME = 0x0FA1
const TypeAPP = 0x0FA2

// TypeFWD is the conditional-forwarder record type; forwarder zones are
// not served by a primary, so the facade rejects it outright.
const TypeFWD = 0x0FA3

func init() {
	RegisterAnameRR()
	RegisterAppRR()
}

// ANAME is an apex-capable alias record: the target is resolved and the
// resulting addresses are served in its place.
type ANAME struct {
	Target string
}

func NewANAME() dns.PrivateRdata { return new(ANAME) }

func (rd ANAME) String() string { return rd.Target }

func (rd *ANAME) Parse(txt []string) error {
	if len(txt) != 1 {
		return fmt.Errorf("ANAME requires exactly one target name")
	}
	if _, ok := dns.IsDomainName(txt[0]); !ok {
		return fmt.Errorf("ANAME target %q is not a valid domain name", txt[0])
	}
	rd.Target = dns.Fqdn(txt[0])
	return nil
}

func (rd *ANAME) Pack(buf []byte) (int, error) {
	off, err := dns.PackDomainName(rd.Target, buf, 0, nil, false)
	if err != nil {
		return off, err
	}
	return off, nil
}

func (rd *ANAME) Unpack(buf []byte) (int, error) {
	name, off, err := dns.UnpackDomainName(buf, 0)
	if err != nil {
		return off, err
	}
	rd.Target = name
	return off, nil
}

func (rd *ANAME) Copy(dest dns.PrivateRdata) error {
	d, ok := dest.(*ANAME)
	if !ok {
		return dns.ErrRdata
	}
	d.Target = rd.Target
	return nil
}

func (rd *ANAME) Len() int {
	return len(rd.Target) + 1
}

func RegisterAnameRR() error {
	dns.PrivateHandle("ANAME", TypeANAME, NewANAME)
	return nil
}

// APP attaches a server-side application to an owner name. The rdata is
// an application name plus an opaque classpath/config blob; the zone
// manager treats it as a single string.
type APP struct {
	AppName string
	Data    string
}

func NewAPP() dns.PrivateRdata { return new(APP) }

func (rd APP) String() string {
	if rd.Data == "" {
		return rd.AppName
	}
	return rd.AppName + " " + rd.Data
}

func (rd *APP) Parse(txt []string) error {
	if len(txt) < 1 {
		return fmt.Errorf("APP requires an application name")
	}
	rd.AppName = txt[0]
	rd.Data = strings.Join(txt[1:], " ")
	return nil
}

func (rd *APP) Pack(buf []byte) (int, error) {
	s := rd.String()
	if len(s) > len(buf) {
		return 0, dns.ErrBuf
	}
	copy(buf, []byte(s))
	return len(s), nil
}

func (rd *APP) Unpack(buf []byte) (int, error) {
	fields := strings.SplitN(string(buf), " ", 2)
	rd.AppName = fields[0]
	if len(fields) > 1 {
		rd.Data = fields[1]
	}
	return len(buf), nil
}

func (rd *APP) Copy(dest dns.PrivateRdata) error {
	d, ok := dest.(*APP)
	if !ok {
		return dns.ErrRdata
	}
	d.AppName = rd.AppName
	d.Data = rd.Data
	return nil
}

func (rd *APP) Len() int {
	return len(rd.String())
}

func RegisterAppRR() error {
	dns.PrivateHandle("APP", TypeAPP, NewAPP)
	return nil
}

// UnsupportedInSignedZone reports whether rrtype may not exist in a
// DNSSEC-signed zone.
func UnsupportedInSignedZone(rrtype uint16) bool {
	return rrtype == TypeANAME || rrtype == TypeAPP
}

// InternalRRType reports whether rrtype is maintained by the signer and
// denial-chain code and must not be set directly through the facade.
func InternalRRType(rrtype uint16) bool {
	switch rrtype {
	case dns.TypeDNSKEY, dns.TypeRRSIG, dns.TypeNSEC, dns.TypeNSEC3, dns.TypeNSEC3PARAM:
		return true
	}
	return false
}

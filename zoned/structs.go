/*
 * Copyright (c) 2024 Jesse Nich
 */
package zoned

import (
	"crypto"
	"log"
	"sync"
	"time"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/jessenich/DnsServer/zoned/ixfr"
)

type ZoneType uint8

const (
	Primary ZoneType = iota + 1
	Secondary
)

var ZoneTypeToString = map[ZoneType]string{
	Primary:   "primary",
	Secondary: "secondary",
}

type DnssecStatus uint8

const (
	Unsigned DnssecStatus = iota
	SignedWithNSEC
	SignedWithNSEC3
)

var DnssecStatusToString = map[DnssecStatus]string{
	Unsigned:        "unsigned",
	SignedWithNSEC:  "signed-nsec",
	SignedWithNSEC3: "signed-nsec3",
}

type KeyState uint8

// Key lifecycle states. Transitions only ever move forward.
const (
	KeyStateGenerated KeyState = iota
	KeyStatePublished
	KeyStateReady
	KeyStateActive
	KeyStateRetired
	KeyStateRevoked
	KeyStateDead
)

var KeyStateToString = map[KeyState]string{
	KeyStateGenerated: "generated",
	KeyStatePublished: "published",
	KeyStateReady:     "ready",
	KeyStateActive:    "active",
	KeyStateRetired:   "retired",
	KeyStateRevoked:   "revoked",
	KeyStateDead:      "dead",
}

var StringToKeyState = map[string]KeyState{
	"generated": KeyStateGenerated,
	"published": KeyStatePublished,
	"ready":     KeyStateReady,
	"active":    KeyStateActive,
	"retired":   KeyStateRetired,
	"revoked":   KeyStateRevoked,
	"dead":      KeyStateDead,
}

type KeyType uint8

const (
	KeyTypeZSK KeyType = iota + 1
	KeyTypeKSK
)

var KeyTypeToString = map[KeyType]string{
	KeyTypeZSK: "ZSK",
	KeyTypeKSK: "KSK",
}

// DNSKEY flags fields for the two key types.
const (
	FlagsZSK uint16 = 256
	FlagsKSK uint16 = 257
)

func (kt KeyType) Flags() uint16 {
	if kt == KeyTypeKSK {
		return FlagsKSK
	}
	return FlagsZSK
}

type ZoneOption string

const (
	OptAllowUpdates  ZoneOption = "allow-updates"
	OptOnlineSigning ZoneOption = "online-signing"
	OptDirty         ZoneOption = "dirty"
)

// RecordInfo is the mutable side-band block attached to a record. It is
// not part of record identity.
type RecordInfo struct {
	Disabled  bool
	Comment   string
	DeletedOn time.Time
	Glue      []dns.RR // address records for an NS target
}

type RRset struct {
	Name   string
	RRs    []dns.RR
	RRSIGs []dns.RR
	Infos  []*RecordInfo // parallel to RRs; entries may be nil
}

type OwnerData struct {
	Name    string
	RRtypes *RRTypeStore
}

func NewOwnerData(name string) *OwnerData {
	return &OwnerData{
		Name:    name,
		RRtypes: NewRRTypeStore(),
	}
}

// DnssecKey is the in-memory form of one private key in the key store.
type DnssecKey struct {
	ZoneName     string
	KeyTag       uint16
	Algorithm    uint8
	KeyType      KeyType
	State        KeyState
	StateChanged time.Time // UTC
	RolloverDays uint16
	IsRetiring   bool
	DnskeyRR     dns.DNSKEY
	PrivateKey   string // BIND private key format
	CS           crypto.Signer
}

// DnssecPolicy holds the per-zone signing parameters, selected by name
// from the policy config.
type DnssecPolicy struct {
	Name            string `validate:"required"`
	Algorithm       uint8
	KeySize         int
	DnskeyTTL       uint32 `yaml:"dnskey-ttl"`
	KskRolloverDays uint16 `yaml:"ksk-rollover-days"`
	ZskRolloverDays uint16 `yaml:"zsk-rollover-days"`
}

// DirectQuerier is the external direct-query interface, used only for
// parent DS and parent SOA lookups. It must never mutate the zone's own
// cache for the queried name; FlushCache is called before a DS probe.
type DirectQuerier interface {
	Query(q dns.Question, timeout time.Duration) (*dns.Msg, error)
	FlushCache(qname string, qtype uint16)
}

// Notifier is the external notify transport.
type Notifier interface {
	TriggerNotify()
	DisableNotifyTimer()
}

// Persister writes the persisted zone form; consumed, best effort.
type Persister interface {
	SaveZoneFile(zonename string) error
}

// SubDomainIndex defines sibling ordering over the zone's sub-domain
// names in canonical DNS order. ZoneData implements it over its own
// owner map; an external zone manager may substitute its own.
type SubDomainIndex interface {
	SubDomainExists(owner string) bool
	FindNextSubDomain(owner string) (string, bool)
	FindPreviousSubDomain(owner string) (string, bool)
}

type ZoneData struct {
	mu       sync.Mutex // journal mutex: serialises commits and SOA serial updates
	dnssecMu sync.Mutex // serialises denial-chain construction, mode switches and per-owner chain updates

	ZoneName     string
	ZoneType     ZoneType
	DnssecStatus DnssecStatus
	Internal     bool // internal zones skip journaling and serial bumping

	Data          cmap.ConcurrentMap[string, *OwnerData]
	CurrentSerial uint32
	Journal       *Journal
	KeyDB         *KeyDB
	Policy        DnssecPolicy
	Nsec3Param    *dns.NSEC3PARAM // nil unless DnssecStatus == SignedWithNSEC3

	Logger    *log.Logger
	Notifier  Notifier
	Persister Persister
	Querier   DirectQuerier

	Options map[ZoneOption]bool
	Dirty   bool

	timerMu    sync.Mutex
	maintTimer *time.Timer
	disposed   bool
	lastResign time.Time
}

// Journal records one diff sequence per commit, oldest first.
type Journal struct {
	mu   sync.Mutex
	Seqs []ixfr.DiffSequence
}

type KeystorePost struct {
	Command    string // "dnssec-mgmt"
	SubCommand string // "list" | "generate" | "publish" | "rollover" | "retire" | "delete"
	Zone       string
	Keyid      uint16
	Algorithm  uint8
	KeyType    string // "KSK" | "ZSK"
	Bits       int
	State      string
}

type KeystoreResponse struct {
	Time     time.Time
	Zone     string
	Dnskeys  map[string]DnssecKeyInfo
	Msg      string
	Error    bool
	ErrorMsg string
}

// DnssecKeyInfo is the externally visible form of a key; no private material.
type DnssecKeyInfo struct {
	Zone         string
	Keyid        uint16
	Flags        uint16
	Algorithm    string
	KeyType      string
	State        string
	StateChanged time.Time
	IsRetiring   bool
	Keystr       string
}

type ZoneCommandPost struct {
	Command    string // "sign" | "sign-nsec3" | "unsign" | "convert-nsec" | "convert-nsec3" | "update-nsec3-params"
	Zone       string
	Algorithm  string
	Iterations uint16
	Salt       string
}

type ZoneCommandResponse struct {
	Time     time.Time
	Zone     string
	Serial   uint32
	Msg      string
	Error    bool
	ErrorMsg string
}

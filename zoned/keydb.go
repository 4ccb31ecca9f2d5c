/*
 * Copyright (c) 2024 Jesse Nich
 */

package zoned

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/miekg/dns"
)

var DefaultTables = map[string]string{

	// The DnssecKeyStore contains the private and public DNSSEC keys for
	// each zone we sign, plus the lifecycle state the maintenance driver
	// advances.
	"DnssecKeyStore": `CREATE TABLE IF NOT EXISTS 'DnssecKeyStore' (
id		  INTEGER PRIMARY KEY,
zonename	  TEXT,
keyid		  INTEGER,
keytype		  TEXT,
algorithm	  TEXT,
state		  TEXT,
statechanged	  INTEGER,
rolloverdays	  INTEGER,
retiring	  INTEGER,
privatekey	  TEXT,
keyrr		  TEXT,
UNIQUE (zonename, keyid)
)`,
}

// KeyDB is the key store: a sqlite file for durability plus an in-memory
// map per zone that the state machine and signer work against. The
// mutex protects the map only; it is never held across I/O.
type KeyDB struct {
	DB *sql.DB
	mu sync.Mutex
	// map[zonename]map[keytag]*DnssecKey
	keys map[string]map[uint16]*DnssecKey
}

func NewKeyDB(dbfile string) (*KeyDB, error) {
	if dbfile == "" {
		return nil, fmt.Errorf("%w: DB filename unspecified", ErrInvalidInput)
	}
	db, err := sql.Open("sqlite3", dbfile)
	if err != nil {
		return nil, fmt.Errorf("NewKeyDB: %w: %v", ErrIOFailure, err)
	}

	for t, s := range DefaultTables {
		if _, err := db.Exec(s); err != nil {
			return nil, fmt.Errorf("NewKeyDB: failed to set up %s schema: %v", t, err)
		}
	}

	kdb := &KeyDB{
		DB:   db,
		keys: make(map[string]map[uint16]*DnssecKey),
	}
	if err := kdb.loadAll(); err != nil {
		return nil, err
	}
	return kdb, nil
}

func (kdb *KeyDB) Close() error {
	return kdb.DB.Close()
}

func (kdb *KeyDB) loadAll() error {
	const getAllDnskeysSql = `
SELECT zonename, keyid, keytype, algorithm, state, statechanged, rolloverdays, retiring, privatekey, keyrr FROM DnssecKeyStore`

	rows, err := kdb.DB.Query(getAllDnskeysSql)
	if err != nil {
		return fmt.Errorf("loadAll: %w: %v", ErrIOFailure, err)
	}
	defer rows.Close()

	var zonename, keytype, algorithm, state, privatekey, keyrrstr string
	var keyid, rolloverdays, retiring int
	var statechanged int64

	for rows.Next() {
		err := rows.Scan(&zonename, &keyid, &keytype, &algorithm, &state, &statechanged, &rolloverdays, &retiring, &privatekey, &keyrrstr)
		if err != nil {
			return fmt.Errorf("loadAll: error from rows.Scan(): %v", err)
		}
		dk, err := PrepareDnssecKey(privatekey, keyrrstr)
		if err != nil {
			log.Printf("loadAll: skipping unusable key %s/%d: %v", zonename, keyid, err)
			continue
		}
		dk.ZoneName = zonename
		dk.State = StringToKeyState[state]
		dk.StateChanged = time.Unix(0, statechanged).UTC()
		dk.RolloverDays = uint16(rolloverdays)
		dk.IsRetiring = retiring != 0
		if keytype == "KSK" {
			dk.KeyType = KeyTypeKSK
		} else {
			dk.KeyType = KeyTypeZSK
		}
		kdb.cachePut(dk)
	}
	return nil
}

// cachePut inserts into the in-memory map. Caller must hold mu or be
// the single-threaded loader.
func (kdb *KeyDB) cachePut(dk *DnssecKey) {
	zk, ok := kdb.keys[dk.ZoneName]
	if !ok {
		zk = make(map[uint16]*DnssecKey)
		kdb.keys[dk.ZoneName] = zk
	}
	zk[dk.KeyTag] = dk
}

func (kdb *KeyDB) insertKey(dk *DnssecKey) error {
	const addDnskeySql = `
INSERT INTO DnssecKeyStore (zonename, keyid, keytype, algorithm, state, statechanged, rolloverdays, retiring, privatekey, keyrr)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	retiring := 0
	if dk.IsRetiring {
		retiring = 1
	}
	_, err := kdb.DB.Exec(addDnskeySql, dk.ZoneName, dk.KeyTag, KeyTypeToString[dk.KeyType],
		dns.AlgorithmToString[dk.Algorithm], KeyStateToString[dk.State],
		dk.StateChanged.UnixNano(), dk.RolloverDays, retiring, dk.PrivateKey, dk.DnskeyRR.String())
	if err != nil {
		return fmt.Errorf("insertKey: %w: %v", ErrIOFailure, err)
	}
	return nil
}

func (kdb *KeyDB) updateKeyState(dk *DnssecKey) error {
	const setStateDnskeySql = `
UPDATE DnssecKeyStore SET state=?, statechanged=?, retiring=? WHERE zonename=? AND keyid=?`

	retiring := 0
	if dk.IsRetiring {
		retiring = 1
	}
	_, err := kdb.DB.Exec(setStateDnskeySql, KeyStateToString[dk.State],
		dk.StateChanged.UnixNano(), retiring, dk.ZoneName, dk.KeyTag)
	if err != nil {
		return fmt.Errorf("updateKeyState: %w: %v", ErrIOFailure, err)
	}
	return nil
}

func (kdb *KeyDB) deleteKeyRow(zonename string, keytag uint16) error {
	const deleteDnskeySql = `DELETE FROM DnssecKeyStore WHERE zonename=? AND keyid=?`
	_, err := kdb.DB.Exec(deleteDnskeySql, zonename, keytag)
	if err != nil {
		return fmt.Errorf("deleteKeyRow: %w: %v", ErrIOFailure, err)
	}
	return nil
}

// ImportKey inserts (or reinstates) a fully populated key, e.g. from a
// persisted zone blob. Idempotent on (zone, keytag).
func (kdb *KeyDB) ImportKey(dk *DnssecKey) error {
	const upsertDnskeySql = `
INSERT OR REPLACE INTO DnssecKeyStore (zonename, keyid, keytype, algorithm, state, statechanged, rolloverdays, retiring, privatekey, keyrr)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	kdb.mu.Lock()
	kdb.cachePut(dk)
	kdb.mu.Unlock()

	retiring := 0
	if dk.IsRetiring {
		retiring = 1
	}
	_, err := kdb.DB.Exec(upsertDnskeySql, dk.ZoneName, dk.KeyTag, KeyTypeToString[dk.KeyType],
		dns.AlgorithmToString[dk.Algorithm], KeyStateToString[dk.State],
		dk.StateChanged.UnixNano(), dk.RolloverDays, retiring, dk.PrivateKey, dk.DnskeyRR.String())
	if err != nil {
		return fmt.Errorf("ImportKey: %w: %v", ErrIOFailure, err)
	}
	return nil
}

// GetKey returns the key with the given tag for a zone.
func (kdb *KeyDB) GetKey(zonename string, keytag uint16) (*DnssecKey, error) {
	kdb.mu.Lock()
	defer kdb.mu.Unlock()
	if zk, ok := kdb.keys[zonename]; ok {
		if dk, ok := zk[keytag]; ok {
			return dk, nil
		}
	}
	return nil, fmt.Errorf("zone %s keytag %d: %w", zonename, keytag, ErrKeyNotFound)
}

// KeysInState returns all keys for a zone of the given type whose state
// is one of states.
func (kdb *KeyDB) KeysInState(zonename string, keytype KeyType, states ...KeyState) []*DnssecKey {
	kdb.mu.Lock()
	defer kdb.mu.Unlock()
	var out []*DnssecKey
	for _, dk := range kdb.keys[zonename] {
		if dk.KeyType != keytype {
			continue
		}
		for _, s := range states {
			if dk.State == s {
				out = append(out, dk)
				break
			}
		}
	}
	return out
}

// AllKeys returns all keys for a zone.
func (kdb *KeyDB) AllKeys(zonename string) []*DnssecKey {
	kdb.mu.Lock()
	defer kdb.mu.Unlock()
	var out []*DnssecKey
	for _, dk := range kdb.keys[zonename] {
		out = append(out, dk)
	}
	return out
}

/*
 * Copyright (c) 2024 Jesse Nich
 */
package zoned

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Admin API for the zone manager: keystore inspection and key
// operations, plus the whole-zone DNSSEC commands. The embedding server
// mounts the router; the zone facade stays the single mutation path.

// ZoneRegistry holds the zones this manager serves.
type ZoneRegistry struct {
	Zones cmap.ConcurrentMap[string, *ZoneData]
}

func NewZoneRegistry() *ZoneRegistry {
	return &ZoneRegistry{Zones: cmap.New[*ZoneData]()}
}

func (zr *ZoneRegistry) Get(zonename string) (*ZoneData, bool) {
	return zr.Zones.Get(CanonicalName(zonename))
}

func (zr *ZoneRegistry) Add(zd *ZoneData) {
	zr.Zones.Set(zd.ZoneName, zd)
}

func (zr *ZoneRegistry) Remove(zonename string) {
	zr.Zones.Remove(CanonicalName(zonename))
}

func SetupAPIRouter(zr *ZoneRegistry, kdb *KeyDB, apikey string) (*mux.Router, error) {
	r := mux.NewRouter().StrictSlash(true)
	if apikey == "" {
		return nil, fmt.Errorf("apiserver api key is not set")
	}

	sr := r.PathPrefix("/api/v1").Headers("X-API-Key", apikey).Subrouter()

	sr.HandleFunc("/ping", APIping()).Methods("POST")
	sr.HandleFunc("/keystore", APIkeystore(zr, kdb)).Methods("POST")
	sr.HandleFunc("/zone/dnssec", APIzoneDnssec(zr)).Methods("POST")

	return r, nil
}

func WalkRoutes(router *mux.Router, address string) {
	log.Printf("Defined API endpoints for router on: %s\n", address)

	walker := func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		path, _ := route.GetPathTemplate()
		methods, _ := route.GetMethods()
		for m := range methods {
			log.Printf("%-6s %s\n", methods[m], path)
		}
		return nil
	}
	if err := router.Walk(walker); err != nil {
		log.Panicf("Logging err: %s\n", err.Error())
	}
}

func APIping() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{"time": time.Now(), "msg": "pong"}
		writeJSON(w, resp)
	}
}

// APIkeystore serves the key management commands. Operations that touch
// zone contents (publish, rollover, retire) go through the zone facade.
func APIkeystore(zr *ZoneRegistry, kdb *KeyDB) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var kp KeystorePost
		if err := json.NewDecoder(r.Body).Decode(&kp); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}

		log.Printf("APIkeystore: received %s request for zone %s", kp.SubCommand, kp.Zone)

		var resp KeystoreResponse
		var err error

		switch kp.SubCommand {
		case "list", "generate", "delete":
			resp, err = kdb.DnssecKeyMgmt(kp)

		case "publish", "rollover", "retire":
			zd, exist := zr.Get(kp.Zone)
			if !exist {
				err = fmt.Errorf("zone %s is unknown", kp.Zone)
				break
			}
			resp.Time = time.Now()
			resp.Zone = zd.ZoneName
			switch kp.SubCommand {
			case "publish":
				err = zd.PublishDnsKey(kp.Keyid)
				resp.Msg = fmt.Sprintf("published keytag %d", kp.Keyid)
			case "rollover":
				var succ *DnssecKey
				succ, err = zd.RolloverDnsKey(kp.Keyid)
				if err == nil {
					resp.Msg = fmt.Sprintf("rolling keytag %d to successor keytag %d", kp.Keyid, succ.KeyTag)
				}
			case "retire":
				err = zd.RetireDnsKey(kp.Keyid)
				resp.Msg = fmt.Sprintf("retired keytag %d", kp.Keyid)
			}

		default:
			err = fmt.Errorf("unknown keystore subcommand: %s", kp.SubCommand)
		}

		if err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
		}
		writeJSON(w, resp)
	}
}

// APIzoneDnssec serves the whole-zone DNSSEC commands: sign, unsign and
// the denial mode conversions.
func APIzoneDnssec(zr *ZoneRegistry) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var zp ZoneCommandPost
		if err := json.NewDecoder(r.Body).Decode(&zp); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}

		resp := ZoneCommandResponse{Time: time.Now(), Zone: zp.Zone}

		zd, exist := zr.Get(zp.Zone)
		if !exist {
			resp.Error = true
			resp.ErrorMsg = fmt.Sprintf("zone %s is unknown", zp.Zone)
			writeJSON(w, resp)
			return
		}

		var err error
		switch zp.Command {
		case "sign":
			if zp.Algorithm != "" {
				alg := dns.StringToAlgorithm[strings.ToUpper(zp.Algorithm)]
				if alg == 0 {
					err = fmt.Errorf("keygen algorithm %q: %w", zp.Algorithm, ErrUnsupportedAlgorithm)
					break
				}
				zd.Policy.Algorithm = alg
			}
			err = zd.SignZoneWithNsec()
		case "sign-nsec3":
			err = zd.SignZoneWithNsec3(zp.Iterations, zp.Salt)
		case "unsign":
			err = zd.UnsignZone()
		case "convert-nsec":
			err = zd.ConvertToNsec()
		case "convert-nsec3":
			err = zd.ConvertToNsec3(zp.Iterations, zp.Salt)
		case "update-nsec3-params":
			err = zd.UpdateNsec3Params(zp.Iterations, zp.Salt)
		default:
			err = fmt.Errorf("unknown zone dnssec command: %s", zp.Command)
		}

		if err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
		}
		resp.Serial = zd.CurrentSerial
		writeJSON(w, resp)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON: encoding error: %v", err)
	}
}

/*
 * Copyright (c) 2024 Jesse Nich
 */
package zoned

import (
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/viper"
)

// Maintenance driver: one timer task per zone. The first tick fires
// shortly after sign/load, then every 15 minutes. Each tick advances the
// key state machine and, when the re-sign interval is due, refreshes
// stale RRSIGs. A tick must never kill the timer: panics are caught and
// the timer is rescheduled regardless of outcome.

const (
	initialMaintenanceDelay    = 30 * time.Second
	defaultMaintenanceInterval = 15 * time.Minute
)

func maintenanceInterval() time.Duration {
	interval := viper.GetInt("maintenance.interval")
	if interval == 0 {
		return defaultMaintenanceInterval
	}
	if interval < 60 {
		interval = 60
	}
	if interval > 3600 {
		interval = 3600
	}
	return time.Duration(interval) * time.Second
}

// StartMaintenance arms the zone's maintenance timer. Called after the
// zone is signed or loaded in signed form.
func (zd *ZoneData) StartMaintenance() {
	zd.timerMu.Lock()
	defer zd.timerMu.Unlock()
	if zd.disposed || zd.maintTimer != nil {
		return
	}
	zd.maintTimer = time.AfterFunc(initialMaintenanceDelay, zd.maintenanceTick)
}

// Dispose stops the maintenance timer and disables the notify timer.
func (zd *ZoneData) Dispose() {
	zd.timerMu.Lock()
	defer zd.timerMu.Unlock()
	zd.disposed = true
	if zd.maintTimer != nil {
		zd.maintTimer.Stop()
		zd.maintTimer = nil
	}
	if zd.Notifier != nil {
		zd.Notifier.DisableNotifyTimer()
	}
}

func (zd *ZoneData) maintenanceTick() {
	defer func() {
		if r := recover(); r != nil {
			zd.logf("MaintenanceTick: zone %s: recovered from panic: %v", zd.ZoneName, r)
		}
		zd.timerMu.Lock()
		if !zd.disposed {
			zd.maintTimer = time.AfterFunc(maintenanceInterval(), zd.maintenanceTick)
		}
		zd.timerMu.Unlock()
	}()

	changed, err := zd.MaintenanceRun(time.Now().UTC())
	if err != nil {
		zd.logf("MaintenanceTick: zone %s: %v", zd.ZoneName, err)
	}
	if changed {
		if zd.Persister != nil {
			if err := zd.Persister.SaveZoneFile(zd.ZoneName); err != nil {
				zd.logf("MaintenanceTick: zone %s: failed to save zone file: %v", zd.ZoneName, err)
			}
		}
		if zd.Notifier != nil {
			zd.Notifier.TriggerNotify()
		}
	}
}

// MaintenanceRun is one synchronous maintenance pass: key transitions,
// then the re-sign check. Split out from the timer callback so tests and
// operators can drive it directly.
func (zd *ZoneData) MaintenanceRun(now time.Time) (bool, error) {
	if zd.DnssecStatus == Unsigned {
		return false, nil
	}

	changed, err := zd.KeyMaintenanceTick(now)
	if err != nil {
		return changed, err
	}

	if now.Sub(zd.lastResign) >= zd.ResignInterval() {
		refreshed, err := zd.RefreshSignatures()
		if err != nil {
			return changed || refreshed, err
		}
		zd.lastResign = now
		changed = changed || refreshed
	}

	return changed, nil
}

// RefreshSignatures regenerates every RRSIG whose remaining life has
// dropped below the re-sign threshold, drops signatures already past
// expiration, and journals the result as one commit.
func (zd *ZoneData) RefreshSignatures() (bool, error) {
	zd.dnssecMu.Lock()
	defer zd.dnssecMu.Unlock()

	var deleted, added []dns.RR

	dropped := zd.DropExpiredRRSIGs()
	deleted = append(deleted, dropped...)

	threshold := zd.ResignInterval()
	for _, name := range zd.GetOwnerNames() {
		owner := zd.GetOwner(name)
		if owner == nil {
			continue
		}
		for _, rrtype := range owner.RRtypes.Keys() {
			if !zd.shouldSignRRset(name, rrtype) {
				continue
			}
			rrset, exists := owner.RRtypes.Get(rrtype)
			if !exists || len(rrset.RRs) == 0 {
				continue
			}
			stale := false
			for _, sig := range rrset.RRSIGs {
				if NeedsResigning(sig.(*dns.RRSIG), threshold) {
					stale = true
					break
				}
			}
			if !stale && len(rrset.RRSIGs) > 0 {
				continue
			}
			before := append([]dns.RR{}, rrset.RRSIGs...)
			resigned, err := zd.SignRRset(&rrset, false)
			if err != nil {
				zd.logf("RefreshSignatures: zone %s: failed to re-sign %s %s: %v",
					zd.ZoneName, name, dns.TypeToString[rrtype], err)
				continue
			}
			if resigned {
				owner.RRtypes.Set(rrtype, rrset)
				deleted = append(deleted, diffRRs(before, rrset.RRSIGs)...)
				added = append(added, diffRRs(rrset.RRSIGs, before)...)
			}
		}
	}

	if len(deleted) == 0 && len(added) == 0 {
		return false, nil
	}
	if _, err := zd.CommitAndIncrementSerial(deleted, added); err != nil {
		return true, err
	}
	return true, nil
}

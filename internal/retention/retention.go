// Package retention decides whether a snapshot's embedded lifetime has
// expired as of a given observation time (spec §4.2, C2 Retention
// Evaluator). It is pure: no ZFS access, no clock reads of its own —
// grounded on vansante-go-zfsutils' deleteAt.After(time.Now()) check in
// job/snapshots_prune.go, generalized from a single stored deadline to
// the namer's h/d/w/m/y unit table.
package retention

import (
	"time"

	"zfsreplicate/internal/namer"
)

// Expired reports whether a snapshot created at t with the given
// lifetime has expired as of observed. holds, when true, always wins:
// a held snapshot is never expired regardless of the arithmetic (§4.2).
func Expired(t time.Time, lifetime namer.Lifetime, holds bool, observed time.Time) bool {
	if holds {
		return false
	}
	return !Deadline(t, lifetime).After(observed)
}

// Deadline computes the expiry instant creation+lifetime using calendar
// arithmetic for month/year units and fixed-duration arithmetic for the
// rest:
//
//	h -> hours, d -> days, w -> 7*days (fixed duration)
//	m -> +1 calendar month per unit, carrying December -> next January
//	y -> +1 calendar year per unit
//
// AddDate already performs this carry correctly for month/year, so the
// m/y cases are a direct call; h/d/w are expressed as time.Duration.
func Deadline(t time.Time, lifetime namer.Lifetime) time.Time {
	switch lifetime.Unit {
	case namer.UnitHour:
		return t.Add(time.Duration(lifetime.N) * time.Hour)
	case namer.UnitDay:
		return t.Add(time.Duration(lifetime.N) * 24 * time.Hour)
	case namer.UnitWeek:
		return t.Add(time.Duration(lifetime.N) * 7 * 24 * time.Hour)
	case namer.UnitMonth:
		return t.AddDate(0, lifetime.N, 0)
	case namer.UnitYear:
		return t.AddDate(lifetime.N, 0, 0)
	default:
		// Unreachable in practice: namer.ParseLifetime rejects any other
		// unit before a Lifetime value can exist.
		return t
	}
}

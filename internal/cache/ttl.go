package cache

import (
	"strings"
	"time"
)

// DefaultTTL applies to every store without an override.
const DefaultTTL = 5 * time.Minute

// TTLTable maps store names to their time-to-live.
type TTLTable struct {
	Default   time.Duration
	Overrides map[string]time.Duration
}

// DefaultTTLs returns the standard per-store expiry table.
func DefaultTTLs() TTLTable {
	return TTLTable{
		Default: DefaultTTL,
		Overrides: map[string]time.Duration{
			"appointments":  2 * time.Minute,
			"prescriptions": 10 * time.Minute,
			"lab_results":   30 * time.Minute,
			"billing":       15 * time.Minute,
		},
	}
}

// For returns the TTL of store. Unknown or misconfigured stores get the default.
func (t TTLTable) For(store string) time.Duration {
	if ttl, ok := t.Overrides[strings.TrimSpace(store)]; ok && ttl > 0 {
		return ttl
	}
	if t.Default > 0 {
		return t.Default
	}
	return DefaultTTL
}

// Expired reports whether an entry written at ts is stale at now.
func (t TTLTable) Expired(store string, ts, now time.Time) bool {
	return now.Sub(ts) > t.For(store)
}

// KnownStores lists the entity stores the application caches.
var KnownStores = []string{
	"patients",
	"appointments",
	"prescriptions",
	"lab_results",
	"lab_orders",
	"billing",
	"invoices",
	"consultations",
	"staff",
	"departments",
	"beds",
	"inventory",
	"nursing_notes",
	"vitals",
	"medications",
	"telemedicine_sessions",
}

// Package geoip supplies the external location signal of the risk score:
// IP/region consistency, datacenter and VPN heuristics, and impossible
// travel. Lookups go through a pluggable Resolver; when no resolver is
// configured or a lookup fails, the signal degrades to zero rather than
// failing the event.
package geoip

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

// Location is a resolved IP location.
type Location struct {
	CountryCode  string
	City         string
	Latitude     float64
	Longitude    float64
	ASN          string
	IsDatacenter bool
}

// Resolver resolves an IP address to a location. Implementations may call an
// external database or service; the validator bounds each call with the
// caller's context.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (*Location, error)
}

// Datacenter ASNs frequently fronting fraud traffic.
var highRiskASNs = map[string]struct{}{
	"AS16509": {}, "AS16621": {}, "AS14061": {},
	"AS8452": {}, "AS9498": {},
}

// Cities that concentrate commercial VPN exits.
var vpnHubCities = map[string]struct{}{
	"amsterdam": {}, "bucharest": {}, "hong kong": {},
	"panama city": {}, "singapore": {},
}

const maxPlausibleSpeedKmh = 1000.0

type lastSeen struct {
	loc Location
	at  time.Time
}

// Signal is the validator's verdict for one event.
type Signal struct {
	Score            float64  // normalized [0,1]
	Flags            []string
	ImpossibleTravel bool
}

// Validator computes the geo signal. Per-user last locations are retained in
// a bounded map for impossible-travel checks.
type Validator struct {
	logger   *zap.Logger
	resolver Resolver

	mu         sync.Mutex
	lastByUser map[string]lastSeen
	maxUsers   int
}

// NewValidator creates a validator. resolver may be nil; the signal then
// always degrades to zero.
func NewValidator(resolver Resolver, logger *zap.Logger) *Validator {
	return &Validator{
		logger:     logger,
		resolver:   resolver,
		lastByUser: make(map[string]lastSeen),
		maxUsers:   100000,
	}
}

// Check computes the geo signal for an event.
func (v *Validator) Check(ctx context.Context, event *models.Event) Signal {
	if v.resolver == nil || event.IPAddress == "" {
		return Signal{}
	}

	loc, err := v.resolver.Resolve(ctx, event.IPAddress)
	if err != nil || loc == nil {
		v.logger.Debug("geoip lookup failed, degrading signal",
			zap.String("ip", event.IPAddress), zap.Error(err))
		return Signal{Flags: []string{"geoip_lookup_failed"}}
	}

	var sig Signal
	var points float64

	if loc.CountryCode != "" && event.Region != "" && loc.CountryCode != event.Region {
		sig.Flags = append(sig.Flags, "ip_region_mismatch")
		points += 3
	}
	if _, ok := highRiskASNs[loc.ASN]; ok || loc.IsDatacenter {
		sig.Flags = append(sig.Flags, "datacenter_ip")
		points += 2
	}
	if _, ok := vpnHubCities[strings.ToLower(loc.City)]; ok {
		sig.Flags = append(sig.Flags, "vpn_suspected")
		points++
	}
	if v.impossibleTravel(event.UserID, *loc, event.Timestamp) {
		sig.Flags = append(sig.Flags, "impossible_travel")
		sig.ImpossibleTravel = true
		points += 4
	}

	// Normalize against the maximum 10 points a single event can collect.
	sig.Score = points / 10
	if sig.Score > 1 {
		sig.Score = 1
	}
	return sig
}

// impossibleTravel reports whether reaching the new location from the user's
// previous one would require implausible speed, and records the new fix.
func (v *Validator) impossibleTravel(userID string, loc Location, at time.Time) bool {
	if userID == "" || (loc.Latitude == 0 && loc.Longitude == 0) {
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	prev, ok := v.lastByUser[userID]
	if len(v.lastByUser) >= v.maxUsers && !ok {
		// Bounded map: drop an arbitrary entry rather than grow.
		for k := range v.lastByUser {
			delete(v.lastByUser, k)
			break
		}
	}
	v.lastByUser[userID] = lastSeen{loc: loc, at: at}

	if !ok || at.Before(prev.at) {
		return false
	}
	hours := at.Sub(prev.at).Hours()
	if hours <= 0 {
		hours = 1.0 / 3600 // same-second events compare against one second
	}
	distance := haversineKm(prev.loc.Latitude, prev.loc.Longitude, loc.Latitude, loc.Longitude)
	return distance/hours > maxPlausibleSpeedKmh
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Package geo resolves client addresses to coarse location data through an
// external IP geolocation provider, memoized persistently so each address is
// looked up at most once.
package geo

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gorm.io/gorm"

	"sitepulse/internal/config"
	dbpkg "sitepulse/internal/db"
)

// providerFields is the fixed field set requested from the provider.
const providerFields = "status,country,city,regionName,lat,lon,isp"

// Resolver is a read-through cache over the external lookup. Failed lookups
// are not memoized, so an address that errors once is retried on its next
// occurrence. Cached entries never expire; stale geolocation for reassigned
// IP blocks is an accepted tradeoff.
type Resolver struct {
	db      *gorm.DB
	client  *http.Client
	baseURL string
}

// NewResolver builds a Resolver against the provider configured in cfg.
func NewResolver(db *gorm.DB, cfg *config.Config) *Resolver {
	return &Resolver{
		db:      db,
		client:  &http.Client{Timeout: 3 * time.Second},
		baseURL: strings.TrimRight(cfg.GeoAPIURL, "/"),
	}
}

// Resolve returns the cached location for addr, performing and memoizing an
// external lookup on first sight. It returns nil for private or unparseable
// addresses and for provider failures.
func (r *Resolver) Resolve(addr string) *dbpkg.GeoCache {
	if addr == "" || IsPrivate(addr) {
		return nil
	}

	var cached dbpkg.GeoCache
	if err := r.db.Where("ip = ?", addr).Limit(1).Find(&cached).Error; err == nil && cached.ID != 0 {
		return &cached
	}

	entry, err := r.lookup(addr)
	if err != nil {
		log.Printf("geo lookup failed for %s: %v", addr, err)
		return nil
	}
	if entry == nil {
		return nil
	}

	// Concurrent first sight of the same address can write twice here;
	// last writer wins and both rows carry the same values.
	if err := r.db.Create(entry).Error; err != nil {
		log.Printf("geo cache write failed for %s: %v", addr, err)
	}
	return entry
}

func (r *Resolver) lookup(addr string) (*dbpkg.GeoCache, error) {
	reqURL := r.baseURL + "/" + url.PathEscape(addr) + "?fields=" + providerFields

	resp, err := r.client.Get(reqURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	// The provider reports lookup failures in-band with a 200.
	if status, _ := payload["status"].(string); status != "success" {
		return nil, nil
	}

	return &dbpkg.GeoCache{
		IP:      addr,
		Country: asString(payload["country"]),
		City:    asString(payload["city"]),
		Region:  asString(payload["regionName"]),
		Lat:     asFloat(payload["lat"]),
		Lon:     asFloat(payload["lon"]),
		ISP:     asString(payload["isp"]),
	}, nil
}

// asString and asFloat normalize provider fields: only string and number
// values are accepted, anything else becomes the zero value.
func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

// IsPrivate reports whether addr is private, loopback, or link-local, or
// cannot be parsed as an IP address at all. Such addresses never trigger an
// external lookup.
func IsPrivate(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return true
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

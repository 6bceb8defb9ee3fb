package db

import (
	"time"

	"gorm.io/datatypes"
)

// Event kinds accepted by the collect endpoint.
const (
	KindSessionStart = "session_start"
	KindPageView     = "page_view"
	KindHeartbeat    = "heartbeat"
)

// Event is a single analytics event as stored in Postgres. The table is
// append-only; rows are never updated after ingestion.
type Event struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	Kind string `gorm:"index"`

	// Occurred is the client-reported event timestamp. Day is the UTC
	// calendar date of Occurred, precomputed at ingestion so daily
	// grouping needs no date arithmetic at query time.
	Occurred time.Time `gorm:"index"`
	Day      string    `gorm:"index;size:10"`

	VisitorID string `gorm:"index;size:80"`
	SessionID string `gorm:"index;size:80"`
	UserID    string `gorm:"size:80"`

	Path     string `gorm:"index;size:1000"`
	Title    string `gorm:"size:300"`
	Referrer string `gorm:"size:1000"`

	UTMSource   string `gorm:"size:120"`
	UTMMedium   string `gorm:"size:120"`
	UTMCampaign string `gorm:"size:120"`

	DeviceType string `gorm:"size:30"`
	OS         string `gorm:"size:30"`
	Browser    string `gorm:"size:30"`
	Screen     string `gorm:"size:30"`
	Lang       string `gorm:"size:30"`

	// ActiveSeconds is non-zero only for heartbeat events and is clamped
	// to [0, 60] at ingestion.
	ActiveSeconds int

	Country string `gorm:"size:80"`
	City    string `gorm:"size:80"`

	// IPHash is SHA256(salt + ":" + address). The raw address is never
	// stored.
	IPHash string `gorm:"index;size:64"`

	// Props holds arbitrary key/value pairs for this event, so callers
	// can attach custom dimensions without schema changes.
	Props datatypes.JSONMap `gorm:"type:json"`
}

// GeoCache memoizes external geolocation lookups keyed by raw address.
// Entries are written once on first successful lookup and never expired;
// a concurrent first sight of the same address may write twice, which is
// harmless since the resolved value is deterministic per address.
type GeoCache struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	IP string `gorm:"index;size:64"`

	Country string `gorm:"size:80"`
	City    string `gorm:"size:80"`
	Region  string `gorm:"size:80"`
	Lat     float64
	Lon     float64
	ISP     string `gorm:"size:120"`
}

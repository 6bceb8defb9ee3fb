package handlers

import (
	"encoding/json"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"sitepulse/internal/config"
	dbpkg "sitepulse/internal/db"
	"sitepulse/internal/exclude"
)

var (
	eventsTotal   *prometheus.CounterVec
	rejectedTotal *prometheus.CounterVec
	geoLookups    *prometheus.CounterVec
)

func InitPrometheusMetrics() {
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sitepulse",
			Name:      "events_total",
			Help:      "Total number of ingested analytics events.",
		},
		[]string{"kind"},
	)
	rejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sitepulse",
			Name:      "events_rejected_total",
			Help:      "Total number of rejected collect calls.",
		},
		[]string{"reason"},
	)
	geoLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sitepulse",
			Name:      "geo_lookups_total",
			Help:      "Geo enrichment outcomes per collect call.",
		},
		[]string{"outcome"},
	)
	prometheus.MustRegister(eventsTotal, rejectedTotal, geoLookups)
}

// GeoResolver is the geo enrichment cache as seen by the collect endpoint.
type GeoResolver interface {
	Resolve(addr string) *dbpkg.GeoCache
}

type collectPage struct {
	Path     string  `json:"path"`
	Title    string  `json:"title,omitempty"`
	Referrer *string `json:"referrer,omitempty"`
}

type collectUTM struct {
	Source   *string `json:"source,omitempty"`
	Medium   *string `json:"medium,omitempty"`
	Campaign *string `json:"campaign,omitempty"`
}

type collectDevice struct {
	Type    *string `json:"type,omitempty"`
	OS      *string `json:"os,omitempty"`
	Browser *string `json:"browser,omitempty"`
	Screen  *string `json:"screen,omitempty"`
	Lang    *string `json:"lang,omitempty"`
}

// ActiveSeconds is a JSON number; fractional values are rounded during
// clamping rather than rejecting the event.
type collectEngagement struct {
	ActiveSeconds float64 `json:"activeSeconds"`
}

type collectRequest struct {
	Event      string             `json:"event"`
	VisitorID  string             `json:"visitorId"`
	SessionID  string             `json:"sessionId"`
	UserID     *string            `json:"userId,omitempty"`
	TS         int64              `json:"ts"`
	Page       collectPage        `json:"page"`
	UTM        *collectUTM        `json:"utm,omitempty"`
	Device     *collectDevice     `json:"device,omitempty"`
	Engagement *collectEngagement `json:"engagement,omitempty"`
	Props      map[string]any     `json:"props,omitempty"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// clampActiveSeconds enforces the engagement invariant: heartbeats carry a
// value rounded and clamped into [0, 60], every other kind carries exactly 0.
func clampActiveSeconds(kind string, v float64) int {
	if kind != dbpkg.KindHeartbeat {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 60 {
		return 60
	}
	return int(math.Round(v))
}

func validKind(kind string) bool {
	switch kind {
	case dbpkg.KindSessionStart, dbpkg.KindPageView, dbpkg.KindHeartbeat:
		return true
	}
	return false
}

// CollectHandler accepts one analytics event per call, validates and
// sanitizes it, applies exclusion and privacy rules, and persists it.
// Processing failures never escape as uncaught errors; the response is
// always a well-formed ok/error envelope.
func CollectHandler(db *gorm.DB, geo GeoResolver, cfg *config.Config) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var payload collectRequest
		if err := json.Unmarshal(ctx.PostBody(), &payload); err != nil {
			rejectedTotal.WithLabelValues("bad_json").Inc()
			failResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}

		if !validKind(payload.Event) {
			rejectedTotal.WithLabelValues("bad_kind").Inc()
			failResponse(ctx, fasthttp.StatusBadRequest, "unknown event kind")
			return
		}

		visitorID := sanitize(payload.VisitorID, 80)
		sessionID := sanitize(payload.SessionID, 80)
		if visitorID == "" || sessionID == "" {
			rejectedTotal.WithLabelValues("missing_identity").Inc()
			failResponse(ctx, fasthttp.StatusBadRequest, "visitorId and sessionId are required")
			return
		}

		// Server-side mirror of the client-side skip: excluded paths are a
		// silent no-op even when a client bypasses the tracker.
		path := sanitize(payload.Page.Path, 1000)
		if exclude.Match(path) {
			okResponse(ctx)
			return
		}

		occurred := time.Now().UTC()
		if payload.TS > 0 {
			occurred = time.UnixMilli(payload.TS).UTC()
		}

		rec := dbpkg.Event{
			Kind:          payload.Event,
			Occurred:      occurred,
			Day:           occurred.Format("2006-01-02"),
			VisitorID:     visitorID,
			SessionID:     sessionID,
			UserID:        sanitize(deref(payload.UserID), 80),
			Path:          path,
			Title:         sanitize(payload.Page.Title, 300),
			Referrer:      sanitize(deref(payload.Page.Referrer), 1000),
			ActiveSeconds: 0,
		}
		if payload.UTM != nil {
			rec.UTMSource = sanitize(deref(payload.UTM.Source), 120)
			rec.UTMMedium = sanitize(deref(payload.UTM.Medium), 120)
			rec.UTMCampaign = sanitize(deref(payload.UTM.Campaign), 120)
		}
		if payload.Device != nil {
			rec.DeviceType = sanitize(deref(payload.Device.Type), 30)
			rec.OS = sanitize(deref(payload.Device.OS), 30)
			rec.Browser = sanitize(deref(payload.Device.Browser), 30)
			rec.Screen = sanitize(deref(payload.Device.Screen), 30)
			rec.Lang = sanitize(deref(payload.Device.Lang), 30)
		}
		if payload.Engagement != nil {
			rec.ActiveSeconds = clampActiveSeconds(payload.Event, payload.Engagement.ActiveSeconds)
		}
		if len(payload.Props) > 0 {
			props := datatypes.JSONMap{}
			for k, v := range payload.Props {
				props[k] = v
			}
			rec.Props = props
		}

		addr := clientIP(ctx)
		if addr != "" {
			rec.IPHash = hashIP(cfg.IPSalt, addr)
		}

		// Geo enrichment only for page_view/session_start; heartbeats stay
		// location-free. The resolver itself refuses private addresses.
		if payload.Event != dbpkg.KindHeartbeat && addr != "" {
			if entry := geo.Resolve(addr); entry != nil {
				rec.Country = entry.Country
				rec.City = entry.City
				geoLookups.WithLabelValues("enriched").Inc()
			} else {
				geoLookups.WithLabelValues("skipped").Inc()
			}
		}

		if err := db.Create(&rec).Error; err != nil {
			rejectedTotal.WithLabelValues("db_error").Inc()
			failResponse(ctx, fasthttp.StatusInternalServerError, "failed to persist event")
			return
		}

		eventsTotal.WithLabelValues(payload.Event).Inc()
		okResponse(ctx)
	}
}

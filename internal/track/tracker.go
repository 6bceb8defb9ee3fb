// Package track is the client side of the analytics pipeline: it derives
// visitor/session identity, watches page entries and activity signals, and
// ships session_start / page_view / heartbeat events to the collect
// endpoint. Delivery is best-effort telemetry with an accepted-loss
// contract: transport failures are swallowed and events are never retried.
package track

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"sitepulse/internal/exclude"
)

const (
	tickInterval      = time.Second
	heartbeatInterval = 10 * time.Second
	heartbeatSeconds  = 10
)

// Config configures a Tracker. VisitorStore should be persistent (survives
// restarts); SessionStore should be scoped to one run.
type Config struct {
	// Endpoint is the full URL of the collect endpoint.
	Endpoint string

	VisitorStore Storage
	SessionStore Storage

	// UserID optionally attributes events to an authenticated user.
	UserID string

	// Environment hints used for the device fingerprint.
	UserAgent string
	Screen    string
	Lang      string

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// trackerState is the mutable per-tracker state: one explicit struct owned
// by a single Tracker instance rather than package-level variables, so
// mounting two trackers can never leak state between them.
type trackerState struct {
	lastHeartbeat time.Time
	active        bool
	visible       bool

	path     string
	title    string
	referrer string
	query    url.Values
}

// Tracker observes page entries and activity and emits analytics events.
// All methods are safe for concurrent use.
type Tracker struct {
	cfg      Config
	identity *Identity
	fp       Fingerprint
	client   *http.Client
	now      func() time.Time

	mu    sync.Mutex
	state trackerState
}

func New(cfg Config) *Tracker {
	if cfg.VisitorStore == nil {
		cfg.VisitorStore = NewMemoryStorage()
	}
	if cfg.SessionStore == nil {
		cfg.SessionStore = NewMemoryStorage()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	return &Tracker{
		cfg:      cfg,
		identity: NewIdentity(cfg.VisitorStore, cfg.SessionStore),
		fp:       DetectFingerprint(cfg.UserAgent, cfg.Screen, cfg.Lang),
		client:   client,
		now:      time.Now,
		state:    trackerState{visible: true},
	}
}

// EnterPage records navigation to rawURL. Excluded paths are skipped
// unconditionally before any identity work. Otherwise it bootstraps the
// session (emitting session_start on rotation) and always emits a
// page_view, independent of session state.
func (t *Tracker) EnterPage(rawURL, title, referrer string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	path := u.Path
	if exclude.Match(path) {
		return
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	t.mu.Lock()
	t.state.path = path
	t.state.title = title
	t.state.referrer = referrer
	t.state.query = u.Query()
	t.mu.Unlock()

	if started := t.bootstrapSession(); started {
		t.send(t.payload("session_start", 0))
	}
	t.identity.Touch()
	t.send(t.payload("page_view", 0))
}

// Activity records a user-activity signal (pointer move, key press,
// scroll, touch). It refreshes the session's last-activity timestamp and
// arms the next heartbeat.
func (t *Tracker) Activity() {
	t.identity.Touch()
	t.mu.Lock()
	t.state.active = true
	t.mu.Unlock()
}

// SetVisible marks the page visible or hidden. A hidden page suppresses
// heartbeats without rotating the session; becoming visible counts as
// activity.
func (t *Tracker) SetVisible(visible bool) {
	t.mu.Lock()
	t.state.visible = visible
	t.mu.Unlock()
	if visible {
		t.Activity()
	}
}

// Run drives the heartbeat scheduler until ctx is canceled. Each tick
// re-checks session expiry (rotating and emitting session_start if
// needed) and emits a heartbeat when the page is visible, the user has
// been active, and at least the heartbeat interval has elapsed.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *Tracker) tick() {
	t.mu.Lock()
	onPage := t.state.path != ""
	t.mu.Unlock()
	if !onPage {
		return
	}

	if started := t.bootstrapSession(); started {
		t.send(t.payload("session_start", 0))
	}

	t.mu.Lock()
	now := t.now()
	due := t.state.visible && t.state.active &&
		now.Sub(t.state.lastHeartbeat) >= heartbeatInterval
	if due {
		t.state.lastHeartbeat = now
		t.state.active = false
	}
	t.mu.Unlock()

	if due {
		t.send(t.payload("heartbeat", heartbeatSeconds))
	}
}

// bootstrapSession rotates the session if it has expired (or never
// started) and reports whether a new session began.
func (t *Tracker) bootstrapSession() bool {
	expired := t.identity.Expired()
	_, started := t.identity.SessionID(expired)
	if started {
		t.identity.Touch()
	}
	return started
}

type pagePayload struct {
	Path     string `json:"path"`
	Title    string `json:"title,omitempty"`
	Referrer string `json:"referrer,omitempty"`
}

type utmPayload struct {
	Source   string `json:"source,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Campaign string `json:"campaign,omitempty"`
}

type devicePayload struct {
	Type    string `json:"type,omitempty"`
	OS      string `json:"os,omitempty"`
	Browser string `json:"browser,omitempty"`
	Screen  string `json:"screen,omitempty"`
	Lang    string `json:"lang,omitempty"`
}

type engagementPayload struct {
	ActiveSeconds int `json:"activeSeconds"`
}

type eventPayload struct {
	Event      string             `json:"event"`
	VisitorID  string             `json:"visitorId"`
	SessionID  string             `json:"sessionId"`
	UserID     string             `json:"userId,omitempty"`
	TS         int64              `json:"ts"`
	Page       pagePayload        `json:"page"`
	UTM        *utmPayload        `json:"utm,omitempty"`
	Device     *devicePayload     `json:"device,omitempty"`
	Engagement *engagementPayload `json:"engagement,omitempty"`
}

func (t *Tracker) payload(kind string, activeSeconds int) eventPayload {
	t.mu.Lock()
	page := pagePayload{Path: t.state.path, Title: t.state.title, Referrer: t.state.referrer}
	query := t.state.query
	t.mu.Unlock()

	sid, _ := t.identity.SessionID(false)
	p := eventPayload{
		Event:     kind,
		VisitorID: t.identity.VisitorID(),
		SessionID: sid,
		UserID:    t.cfg.UserID,
		TS:        t.now().UnixMilli(),
		Page:      page,
		Device: &devicePayload{
			Type:    t.fp.Type,
			OS:      t.fp.OS,
			Browser: t.fp.Browser,
			Screen:  t.fp.Screen,
			Lang:    t.fp.Lang,
		},
	}
	if query != nil {
		utm := utmPayload{
			Source:   query.Get("utm_source"),
			Medium:   query.Get("utm_medium"),
			Campaign: query.Get("utm_campaign"),
		}
		if utm != (utmPayload{}) {
			p.UTM = &utm
		}
	}
	if kind == "heartbeat" {
		p.Engagement = &engagementPayload{ActiveSeconds: activeSeconds}
	}
	return p
}

// send ships a payload to the collect endpoint without blocking the
// caller. Transport errors and non-2xx responses are dropped on the
// floor; the tracker never surfaces an error and never retries.
func (t *Tracker) send(p eventPayload) {
	body, err := json.Marshal(p)
	if err != nil {
		return
	}
	go func() {
		req, err := http.NewRequest(http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.client.Do(req)
		if err != nil {
			return
		}
		resp.Body.Close()
	}()
}

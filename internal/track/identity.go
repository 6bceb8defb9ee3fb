package track

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	visitorKey    = "sp_visitor_id"
	sessionKey    = "sp_session_id"
	lastActiveKey = "sp_last_active"
)

// SessionTimeout is the inactivity window after which a session is
// considered expired and must be rotated.
const SessionTimeout = 30 * time.Minute

// Identity derives and persists the visitor and session identifiers.
// The visitor id lives in persistent storage and is created once per
// storage scope; the session id lives in session storage and is replaced
// whenever the inactivity window elapses.
type Identity struct {
	persistent Storage
	session    Storage
	now        func() time.Time
}

func NewIdentity(persistent, session Storage) *Identity {
	return &Identity{persistent: persistent, session: session, now: time.Now}
}

// VisitorID returns the stored visitor id, creating and persisting one on
// first use. It never fails outward: if storage is unreachable, a fresh
// unpersisted id is returned for this call.
func (i *Identity) VisitorID() string {
	id, err := i.persistent.Get(visitorKey)
	if err != nil {
		return newID()
	}
	if id != "" {
		return id
	}
	id = newID()
	if err := i.persistent.Set(visitorKey, id); err != nil {
		return newID()
	}
	return id
}

// SessionID returns the current session id, creating a new one when
// forceNew is set or no session exists yet. The second return value
// reports whether a new session was started.
func (i *Identity) SessionID(forceNew bool) (string, bool) {
	if !forceNew {
		if id, err := i.session.Get(sessionKey); err == nil && id != "" {
			return id, false
		}
	}
	id := newID()
	_ = i.session.Set(sessionKey, id)
	return id, true
}

// Expired reports whether the session's last-activity timestamp is older
// than the inactivity window. A missing or unreadable timestamp counts as
// expired.
func (i *Identity) Expired() bool {
	raw, err := i.session.Get(lastActiveKey)
	if err != nil || raw == "" {
		return true
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true
	}
	last := time.UnixMilli(millis)
	return i.now().Sub(last) > SessionTimeout
}

// Touch records "now" as the last-activity timestamp.
func (i *Identity) Touch() {
	_ = i.session.Set(lastActiveKey, strconv.FormatInt(i.now().UnixMilli(), 10))
}

// newID returns a random UUIDv4, falling back to a hand-rolled RFC4122-shaped
// identifier if the system randomness source is unavailable.
func newID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	return fmt.Sprintf("%08x-%04x-4%03x-%04x-%012x",
		rand.Uint32(), rand.Intn(0x10000), rand.Intn(0x1000),
		0x8000|rand.Intn(0x4000), rand.Int63n(1<<48))
}

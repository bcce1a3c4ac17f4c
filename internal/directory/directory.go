// Package directory implements the session and connection directory: the
// keyed store of active sessions and their connections, with atomic
// listener counts, a guarded session state machine, and idle/expiry
// reaping.
package directory

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fankserver/translator-relay/internal/apperr"
)

// State is a Session's position in its lifecycle.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StatePaused  State = "paused"
	StateEnded   State = "ended"
	StateExpired State = "expired"
)

// adjacent reports whether to is a legal next state from from. An
// attempt from a non-adjacent state is a no-op, not an error.
func adjacent(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateActive || to == StateEnded || to == StateExpired
	case StateActive:
		return to == StatePaused || to == StateEnded || to == StateExpired
	case StatePaused:
		return to == StateActive || to == StateEnded || to == StateExpired
	default:
		return false
	}
}

// Tunables are the per-session knobs a speaker supplies at creation,
// validated against the ranges the Partial-Result Processor expects.
type Tunables struct {
	PartialResultsEnabled bool
	MinStabilityThreshold float64       // [0.70, 0.95]
	MaxBufferTimeout      time.Duration // [2s, 10s]
}

// Validate replaces out-of-range Tunables with their defaults (stability
// 0.85, buffer timeout 10s) rather than erroring or clamping to the
// nearest bound.
func (t *Tunables) Validate() {
	if t.MinStabilityThreshold < 0.70 || t.MinStabilityThreshold > 0.95 {
		t.MinStabilityThreshold = 0.85
	}
	if t.MaxBufferTimeout < 2*time.Second || t.MaxBufferTimeout > 10*time.Second {
		t.MaxBufferTimeout = 10 * time.Second
	}
}

// Session is one speaker's active broadcast.
type Session struct {
	ID                  string
	SpeakerConnectionID string
	SourceLanguage      string
	State               State
	ListenerCount       int64 // atomic
	Muted               bool
	Volume              float64
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Tunables            Tunables

	mu sync.Mutex // serializes State transitions and broadcast knobs; ListenerCount goes through CAS only
}

// Snapshot is a mutex-free value copy of a Session for status reporting
// and persistence.
type Snapshot struct {
	ID             string
	SourceLanguage string
	State          State
	ListenerCount  int64
	Muted          bool
	Volume         float64
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:             s.ID,
		SourceLanguage: s.SourceLanguage,
		State:          s.State,
		ListenerCount:  atomic.LoadInt64(&s.ListenerCount),
		Muted:          s.Muted,
		Volume:         s.Volume,
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
	}
}

func (s *Session) transition(to State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if adjacent(s.State, to) {
		s.State = to
	}
	return s.State
}

// Connection is one accepted transport connection, speaker or listener.
type Connection struct {
	ID             string
	Role           string // "speaker" | "listener"
	SessionID      string // listener only
	TargetLanguage string // listener only
	CreatedAt      time.Time
	LastActivityAt atomic.Int64 // unix nanos, updated lock-free on every frame
}

func (c *Connection) touch() {
	c.LastActivityAt.Store(time.Now().UnixNano())
}

const (
	maxListenersPerSession       = 500
	sessionTTL                   = 2 * time.Hour
	defaultIdleConnectionTimeout = 10 * time.Minute
)

// Directory is the in-process view over all active sessions and
// connections. A Store may be attached for durability; the directory
// itself remains the single writer of truth while it runs.
type Directory struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	connections map[string]*Connection
	// listenersByLang[sessionId][language] -> set of connectionIds
	listenersByLang map[string]map[string]map[string]struct{}

	store                 Store
	idleConnectionTimeout time.Duration
}

// New returns an empty Directory, optionally persisting through store
// (pass nil for an in-memory-only directory). Connections idle longer
// than the IDLE_TIMEOUT_SECONDS default (10 minutes) are dropped by
// ReapIdle; use NewWithIdleTimeout to override it.
func New(store Store) *Directory {
	return NewWithIdleTimeout(store, defaultIdleConnectionTimeout)
}

// NewWithIdleTimeout is New with an explicit idle-connection timeout,
// wired to the IDLE_TIMEOUT_SECONDS config tunable.
func NewWithIdleTimeout(store Store, idleTimeout time.Duration) *Directory {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnectionTimeout
	}
	return &Directory{
		sessions:              make(map[string]*Session),
		connections:           make(map[string]*Connection),
		listenersByLang:       make(map[string]map[string]map[string]struct{}),
		store:                 store,
		idleConnectionTimeout: idleTimeout,
	}
}

// CreateSession allocates a new Session for speakerConnID, generating a
// human-memorable word-pair-plus-number sessionId.
func (d *Directory) CreateSession(ctx context.Context, speakerConnID, sourceLanguage string, tunables Tunables) (*Session, error) {
	tunables.Validate()
	now := time.Now()

	d.mu.Lock()
	id := d.newSessionID()
	sess := &Session{
		ID:                  id,
		SpeakerConnectionID: speakerConnID,
		SourceLanguage:      sourceLanguage,
		State:               StatePending,
		CreatedAt:           now,
		ExpiresAt:           now.Add(sessionTTL),
		Tunables:            tunables,
	}
	d.sessions[id] = sess
	d.listenersByLang[id] = make(map[string]map[string]struct{})
	d.mu.Unlock()

	sess.transition(StateActive)

	if d.store != nil {
		if err := d.store.SaveSession(ctx, sess.snapshot()); err != nil {
			logrus.WithError(err).WithField("session_id", id).Warn("directory: persist session failed")
		}
	}

	logrus.WithFields(logrus.Fields{"session_id": id, "source_language": sourceLanguage}).Info("session created")
	return sess, nil
}

// newSessionID must be called with d.mu held.
func (d *Directory) newSessionID() string {
	for {
		id := memorableID()
		if _, exists := d.sessions[id]; !exists {
			return id
		}
	}
}

var adjectives = []string{"golden", "silver", "crimson", "amber", "quiet", "swift", "bright", "shadow", "cobalt", "ember"}
var nouns = []string{"eagle", "falcon", "river", "harbor", "summit", "comet", "willow", "granite", "tundra", "meridian"}

func memorableID() string {
	u := uuid.New()
	a := adjectives[int(u[0])%len(adjectives)]
	n := nouns[int(u[1])%len(nouns)]
	seed := int64(binary.BigEndian.Uint64(u[8:16]))
	num := rand.New(rand.NewSource(seed)).Intn(900) + 100
	return fmt.Sprintf("%s-%s-%d", a, n, num)
}

// incrementBounded atomically increments counter unless it is already at
// max.
func incrementBounded(counter *int64, max int64) bool {
	for {
		cur := atomic.LoadInt64(counter)
		if cur >= max {
			return false
		}
		if atomic.CompareAndSwapInt64(counter, cur, cur+1) {
			return true
		}
	}
}

// decrementFloor is incrementBounded's inverse: it decrements counter
// unless it is already zero, the conditional decrement the listenerCount
// invariant requires. Both sides go through CAS so a join racing a
// disconnect can never lose an update.
func decrementFloor(counter *int64) bool {
	for {
		cur := atomic.LoadInt64(counter)
		if cur < 1 {
			return false
		}
		if atomic.CompareAndSwapInt64(counter, cur, cur-1) {
			return true
		}
	}
}

// UpdateBroadcastState applies a controlBroadcast action to sessionID:
// pause/resume toggle the session State, mute/unmute and volume update the
// Session's broadcast knobs read by the Orchestrator before synthesizing.
func (d *Directory) UpdateBroadcastState(sessionID, action string, volume *float64) (Snapshot, error) {
	d.mu.RLock()
	sess, ok := d.sessions[sessionID]
	d.mu.RUnlock()
	if !ok {
		return Snapshot{}, apperr.ErrSessionNotFound
	}

	switch action {
	case "pause":
		sess.transition(StatePaused)
	case "resume":
		sess.transition(StateActive)
	case "mute":
		sess.mu.Lock()
		sess.Muted = true
		sess.mu.Unlock()
	case "unmute":
		sess.mu.Lock()
		sess.Muted = false
		sess.mu.Unlock()
	case "volume":
		if volume != nil {
			sess.mu.Lock()
			sess.Volume = *volume
			sess.mu.Unlock()
		}
	default:
		return Snapshot{}, apperr.New(apperr.KindValidation, "INVALID_CONTROL_ACTION", "unrecognized control action: "+action)
	}

	return sess.snapshot(), nil
}

// Attach registers a newly-accepted connection with role=unauthenticated
// semantics left to the caller (the Ingress Dispatcher binds role on the
// first createSession/joinSession call).
func (d *Directory) Attach(connID string) *Connection {
	c := &Connection{ID: connID, Role: "unauthenticated", CreatedAt: time.Now()}
	c.touch()
	d.mu.Lock()
	d.connections[connID] = c
	d.mu.Unlock()
	return c
}

// BindSpeaker marks connID as the speaker for sessionID, called once a
// createSession call succeeds.
func (d *Directory) BindSpeaker(connID, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.connections[connID]; ok {
		c.Role = "speaker"
		c.SessionID = sessionID
	}
}

// JoinSession attaches listenerConnID to sessionID as a listener of
// targetLanguage, enforcing the 500-listener cap and incrementing
// ListenerCount atomically relative to Disconnect's decrement.
func (d *Directory) JoinSession(ctx context.Context, listenerConnID, sessionID, targetLanguage string) error {
	d.mu.RLock()
	sess, ok := d.sessions[sessionID]
	d.mu.RUnlock()
	if !ok {
		return apperr.ErrSessionNotFound
	}

	sess.mu.Lock()
	state := sess.State
	sess.mu.Unlock()
	if state != StateActive && state != StatePaused {
		return apperr.ErrSessionInactive
	}
	if !incrementBounded(&sess.ListenerCount, maxListenersPerSession) {
		return apperr.ErrSessionAtCapacity
	}

	now := time.Now()
	conn := &Connection{ID: listenerConnID, Role: "listener", SessionID: sessionID, TargetLanguage: targetLanguage, CreatedAt: now}
	conn.touch()

	d.mu.Lock()
	d.connections[listenerConnID] = conn
	langs := d.listenersByLang[sessionID]
	if langs == nil {
		langs = make(map[string]map[string]struct{})
		d.listenersByLang[sessionID] = langs
	}
	set := langs[targetLanguage]
	if set == nil {
		set = make(map[string]struct{})
		langs[targetLanguage] = set
	}
	set[listenerConnID] = struct{}{}
	d.mu.Unlock()

	if d.store != nil {
		snap := ConnectionSnapshot{ID: listenerConnID, Role: "listener", SessionID: sessionID, TargetLanguage: targetLanguage}
		if err := d.store.SaveConnection(ctx, snap); err != nil {
			logrus.WithError(err).WithField("connection_id", listenerConnID).Warn("directory: persist connection failed")
		}
		if err := d.store.SaveSession(ctx, sess.snapshot()); err != nil {
			logrus.WithError(err).WithField("session_id", sessionID).Warn("directory: persist session failed")
		}
	}

	return nil
}

// Retarget updates the target language for an existing listener
// connection, re-indexing it in listenersByLang.
func (d *Directory) Retarget(listenerConnID, newLanguage string) error {
	d.mu.Lock()
	conn, ok := d.connections[listenerConnID]
	if !ok || conn.Role != "listener" {
		d.mu.Unlock()
		return apperr.ErrConnectionGone
	}

	if langs, ok := d.listenersByLang[conn.SessionID]; ok {
		if set, ok := langs[conn.TargetLanguage]; ok {
			delete(set, listenerConnID)
		}
		set := langs[newLanguage]
		if set == nil {
			set = make(map[string]struct{})
			langs[newLanguage] = set
		}
		set[listenerConnID] = struct{}{}
	}
	conn.TargetLanguage = newLanguage
	sessionID := conn.SessionID
	d.mu.Unlock()

	if d.store != nil {
		snap := ConnectionSnapshot{ID: listenerConnID, Role: "listener", SessionID: sessionID, TargetLanguage: newLanguage}
		if err := d.store.SaveConnection(context.Background(), snap); err != nil {
			logrus.WithError(err).WithField("connection_id", listenerConnID).Warn("directory: persist connection failed")
		}
	}
	return nil
}

// Disconnect removes connID. For a speaker connection this ends the
// session (state transition only; purging the partial-result processor
// and notifying listeners is the caller's responsibility, since that
// crosses package boundaries). For a listener it decrements
// ListenerCount with a floor at zero.
func (d *Directory) Disconnect(ctx context.Context, connID string) (sessionID string, wasSpeaker bool) {
	d.mu.Lock()
	conn, ok := d.connections[connID]
	if !ok {
		d.mu.Unlock()
		return "", false
	}
	delete(d.connections, connID)

	switch conn.Role {
	case "speaker":
		sess := d.sessions[conn.SessionID]
		d.mu.Unlock()
		if sess != nil {
			sess.transition(StateEnded)
		}
		d.persistDisconnect(ctx, connID, conn.SessionID, true)
		return conn.SessionID, true
	case "listener":
		if langs, ok := d.listenersByLang[conn.SessionID]; ok {
			if set, ok := langs[conn.TargetLanguage]; ok {
				delete(set, connID)
			}
		}
		sess := d.sessions[conn.SessionID]
		d.mu.Unlock()
		if sess != nil {
			decrementFloor(&sess.ListenerCount)
		}
		d.persistDisconnect(ctx, connID, conn.SessionID, false)
		if sess != nil && d.store != nil {
			if err := d.store.SaveSession(ctx, sess.snapshot()); err != nil {
				logrus.WithError(err).WithField("session_id", conn.SessionID).Warn("directory: persist session failed")
			}
		}
		return conn.SessionID, false
	default:
		d.mu.Unlock()
		return "", false
	}
}

func (d *Directory) persistDisconnect(ctx context.Context, connID, sessionID string, wasSpeaker bool) {
	if d.store == nil {
		return
	}
	if err := d.store.DeleteConnection(ctx, connID); err != nil {
		logrus.WithError(err).WithField("connection_id", connID).Warn("directory: delete connection failed")
	}
	if wasSpeaker {
		if err := d.store.DeleteSession(ctx, sessionID); err != nil {
			logrus.WithError(err).WithField("session_id", sessionID).Warn("directory: delete session failed")
		}
	}
}

// Touch refreshes a connection's lastActivityAt on every inbound frame.
func (d *Directory) Touch(connID string) {
	d.mu.RLock()
	conn, ok := d.connections[connID]
	d.mu.RUnlock()
	if ok {
		conn.touch()
	}
}

// Session looks up a Session by ID.
func (d *Directory) Session(sessionID string) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sess, ok := d.sessions[sessionID]
	return sess, ok
}

// Connection looks up a Connection by ID.
func (d *Directory) Connection(connID string) (*Connection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conn, ok := d.connections[connID]
	return conn, ok
}

// ListenersByLanguage returns, for sessionID, the set of listener
// connectionIds grouped by targetLanguage.
func (d *Directory) ListenersByLanguage(sessionID string) map[string][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string][]string)
	for lang, set := range d.listenersByLang[sessionID] {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		if len(ids) > 0 {
			out[lang] = ids
		}
	}
	return out
}

// Describe returns a status snapshot for sessionId: listener count,
// language distribution, and session state.
func (d *Directory) Describe(sessionID string) (Snapshot, map[string]int, error) {
	d.mu.RLock()
	sess, ok := d.sessions[sessionID]
	d.mu.RUnlock()
	if !ok {
		return Snapshot{}, nil, apperr.ErrSessionNotFound
	}

	dist := make(map[string]int)
	for lang, ids := range d.ListenersByLanguage(sessionID) {
		dist[lang] = len(ids)
	}
	return sess.snapshot(), dist, nil
}

// ReapIdle drops connections idle past the configured timeout and
// sessions past expiry or whose speaker is gone.
func (d *Directory) ReapIdle(now time.Time) (droppedConns, expiredSessions int) {
	var reapedConns, expiredIDs []string

	d.mu.Lock()
	for id, conn := range d.connections {
		if now.Sub(time.Unix(0, conn.LastActivityAt.Load())) > d.idleConnectionTimeout {
			delete(d.connections, id)
			if conn.Role == "listener" {
				if langs, ok := d.listenersByLang[conn.SessionID]; ok {
					if set, ok := langs[conn.TargetLanguage]; ok {
						delete(set, id)
					}
				}
				if sess, ok := d.sessions[conn.SessionID]; ok {
					decrementFloor(&sess.ListenerCount)
				}
			}
			reapedConns = append(reapedConns, id)
			droppedConns++
		}
	}

	for id, sess := range d.sessions {
		sess.mu.Lock()
		expired := now.After(sess.ExpiresAt) || sess.State == StateEnded
		sess.mu.Unlock()
		if expired {
			sess.transition(StateExpired)
			delete(d.sessions, id)
			delete(d.listenersByLang, id)
			expiredIDs = append(expiredIDs, id)
			expiredSessions++
			logrus.WithField("session_id", id).Info("session reaped")
		}
	}
	d.mu.Unlock()

	if d.store != nil {
		ctx := context.Background()
		for _, id := range reapedConns {
			if err := d.store.DeleteConnection(ctx, id); err != nil {
				logrus.WithError(err).WithField("connection_id", id).Warn("directory: delete connection failed")
			}
		}
		for _, id := range expiredIDs {
			if err := d.store.DeleteSession(ctx, id); err != nil {
				logrus.WithError(err).WithField("session_id", id).Warn("directory: delete session failed")
			}
		}
	}

	return droppedConns, expiredSessions
}

package directory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fankserver/translator-relay/internal/apperr"
)

func TestCreateSession(t *testing.T) {
	d := New(nil)
	ctx := context.Background()

	sess, err := d.CreateSession(ctx, "speaker-conn-1", "en", Tunables{MinStabilityThreshold: 0.85, MaxBufferTimeout: 5 * time.Second})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "en", sess.SourceLanguage)
	assert.Equal(t, StateActive, sess.State)
	assert.Equal(t, int64(0), sess.ListenerCount)
	assert.WithinDuration(t, sess.CreatedAt.Add(2*time.Hour), sess.ExpiresAt, time.Second)

	got, ok := d.Session(sess.ID)
	require.True(t, ok)
	assert.Equal(t, sess.ID, got.ID)
}

func TestCreateSessionResetsOutOfRangeTunables(t *testing.T) {
	d := New(nil)
	sess, err := d.CreateSession(context.Background(), "speaker", "en", Tunables{MinStabilityThreshold: 0.1, MaxBufferTimeout: 50 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 0.85, sess.Tunables.MinStabilityThreshold)
	assert.Equal(t, 10*time.Second, sess.Tunables.MaxBufferTimeout)
}

func TestJoinSessionRoundTrip(t *testing.T) {
	d := New(nil)
	ctx := context.Background()
	sess, err := d.CreateSession(ctx, "speaker", "en", Tunables{})
	require.NoError(t, err)

	require.NoError(t, d.JoinSession(ctx, "listener-1", sess.ID, "es"))
	assert.Equal(t, int64(1), sess.ListenerCount)

	langs := d.ListenersByLanguage(sess.ID)
	assert.Equal(t, []string{"listener-1"}, langs["es"])

	_, wasSpeaker := d.Disconnect(ctx, "listener-1")
	assert.False(t, wasSpeaker)
	assert.Equal(t, int64(0), sess.ListenerCount)
}

func TestJoinSessionUnknownSession(t *testing.T) {
	d := New(nil)
	err := d.JoinSession(context.Background(), "listener-1", "nonexistent", "es")
	assert.ErrorIs(t, err, apperr.ErrSessionNotFound)
}

func TestJoinSessionAtCapacity(t *testing.T) {
	d := New(nil)
	ctx := context.Background()
	sess, err := d.CreateSession(ctx, "speaker", "en", Tunables{})
	require.NoError(t, err)

	sess.ListenerCount = maxListenersPerSession
	err = d.JoinSession(ctx, "listener-overflow", sess.ID, "es")
	assert.Error(t, err)
}

func TestDisconnectSpeakerEndsSession(t *testing.T) {
	d := New(nil)
	ctx := context.Background()
	d.Attach("speaker-1")
	sess, err := d.CreateSession(ctx, "speaker-1", "en", Tunables{})
	require.NoError(t, err)
	d.BindSpeaker("speaker-1", sess.ID)

	sessionID, wasSpeaker := d.Disconnect(ctx, "speaker-1")
	assert.True(t, wasSpeaker)
	assert.Equal(t, sess.ID, sessionID)

	s, _ := d.Session(sess.ID)
	assert.Equal(t, StateEnded, s.State)
}

func TestDisconnectListenerNeverGoesNegative(t *testing.T) {
	d := New(nil)
	ctx := context.Background()
	sess, err := d.CreateSession(ctx, "speaker", "en", Tunables{})
	require.NoError(t, err)

	// Disconnect of an unknown listener connection is a no-op, never
	// drives the counter negative.
	d.Disconnect(ctx, "never-joined")
	assert.Equal(t, int64(0), sess.ListenerCount)
}

func TestRetarget(t *testing.T) {
	d := New(nil)
	ctx := context.Background()
	sess, err := d.CreateSession(ctx, "speaker", "en", Tunables{})
	require.NoError(t, err)
	require.NoError(t, d.JoinSession(ctx, "listener-1", sess.ID, "es"))

	require.NoError(t, d.Retarget("listener-1", "fr"))

	langs := d.ListenersByLanguage(sess.ID)
	assert.Empty(t, langs["es"])
	assert.Equal(t, []string{"listener-1"}, langs["fr"])
}

func TestUpdateBroadcastState(t *testing.T) {
	d := New(nil)
	ctx := context.Background()
	sess, err := d.CreateSession(ctx, "speaker", "en", Tunables{})
	require.NoError(t, err)

	snap, err := d.UpdateBroadcastState(sess.ID, "pause", nil)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, snap.State)

	snap, err = d.UpdateBroadcastState(sess.ID, "resume", nil)
	require.NoError(t, err)
	assert.Equal(t, StateActive, snap.State)

	vol := 0.4
	snap, err = d.UpdateBroadcastState(sess.ID, "volume", &vol)
	require.NoError(t, err)
	assert.Equal(t, 0.4, snap.Volume)

	_, err = d.UpdateBroadcastState(sess.ID, "bogus", nil)
	assert.Error(t, err)
}

func TestReapIdle(t *testing.T) {
	d := New(nil)
	ctx := context.Background()
	sess, err := d.CreateSession(ctx, "speaker", "en", Tunables{})
	require.NoError(t, err)
	require.NoError(t, d.JoinSession(ctx, "listener-1", sess.ID, "es"))

	conn, ok := d.Connection("listener-1")
	require.True(t, ok)
	conn.LastActivityAt.Store(time.Now().Add(-20 * time.Minute).UnixNano())

	droppedConns, expiredSessions := d.ReapIdle(time.Now())
	assert.Equal(t, 1, droppedConns)
	assert.Equal(t, 0, expiredSessions)
	assert.Equal(t, int64(0), sess.ListenerCount)
}

func TestReapIdleExpiresSessions(t *testing.T) {
	d := New(nil)
	ctx := context.Background()
	sess, err := d.CreateSession(ctx, "speaker", "en", Tunables{})
	require.NoError(t, err)
	sess.ExpiresAt = time.Now().Add(-time.Minute)

	_, expiredSessions := d.ReapIdle(time.Now())
	assert.Equal(t, 1, expiredSessions)
	_, ok := d.Session(sess.ID)
	assert.False(t, ok)
}

func TestDescribe(t *testing.T) {
	d := New(nil)
	ctx := context.Background()
	sess, err := d.CreateSession(ctx, "speaker", "en", Tunables{})
	require.NoError(t, err)
	require.NoError(t, d.JoinSession(ctx, "listener-1", sess.ID, "es"))
	require.NoError(t, d.JoinSession(ctx, "listener-2", sess.ID, "es"))
	require.NoError(t, d.JoinSession(ctx, "listener-3", sess.ID, "fr"))

	snap, dist, err := d.Describe(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.ListenerCount)
	assert.Equal(t, 2, dist["es"])
	assert.Equal(t, 1, dist["fr"])
}

// TestConcurrentJoinDisconnect exercises the atomic listenerCount
// invariant under concurrent join/disconnect.
func TestConcurrentJoinDisconnect(t *testing.T) {
	d := New(nil)
	ctx := context.Background()
	sess, err := d.CreateSession(ctx, "speaker", "en", Tunables{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	n := 200
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("listener-stress-%d", i)
			if err := d.JoinSession(ctx, connID, sess.ID, "es"); err != nil {
				return
			}
			d.Disconnect(ctx, connID)
		}(i)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, sess.ListenerCount, int64(0))
	assert.Equal(t, int64(0), sess.ListenerCount)
}

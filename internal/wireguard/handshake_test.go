package wireguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/wgplugin/internal/engine"
)

func TestHandshakeTrackerTimeout(t *testing.T) {
	h := newHandshakeTracker(90*time.Second, 180*time.Second)
	start := time.Unix(1000, 0)

	h.noteTraffic(start)
	assert.Empty(t, h.observe(start.Add(89*time.Second), time.Time{}))

	actions := h.observe(start.Add(90*time.Second), time.Time{})
	require.Len(t, actions, 1)
	assert.Equal(t, engine.ActionRetireHandshake, actions[0].Kind)
	assert.ErrorIs(t, actions[0].Err, engine.ErrHandshakeTimeout)

	// One report per attempt window.
	assert.Empty(t, h.observe(start.Add(200*time.Second), time.Time{}))

	h.noteTraffic(start.Add(201 * time.Second))
	actions = h.observe(start.Add(291*time.Second), time.Time{})
	require.Len(t, actions, 1)
	assert.Equal(t, engine.ActionRetireHandshake, actions[0].Kind)
}

func TestHandshakeTrackerComplete(t *testing.T) {
	h := newHandshakeTracker(90*time.Second, 180*time.Second)
	start := time.Unix(1000, 0)

	h.noteTraffic(start)
	actions := h.observe(start.Add(time.Second), start.Add(500*time.Millisecond))
	require.Len(t, actions, 1)
	assert.Equal(t, engine.ActionHandshakeComplete, actions[0].Kind)

	// Same timestamp again is not a new handshake.
	assert.Empty(t, h.observe(start.Add(2*time.Second), start.Add(500*time.Millisecond)))

	// Traffic during a live session expects nothing.
	h.noteTraffic(start.Add(10 * time.Second))
	assert.Empty(t, h.observe(start.Add(120*time.Second), start.Add(500*time.Millisecond)))
}

func TestHandshakeTrackerExpiredSession(t *testing.T) {
	h := newHandshakeTracker(90*time.Second, 180*time.Second)
	start := time.Unix(1000, 0)

	h.observe(start, start)
	h.noteTraffic(start.Add(181 * time.Second))

	actions := h.observe(start.Add(272*time.Second), start)
	require.Len(t, actions, 1)
	assert.Equal(t, engine.ActionRetireHandshake, actions[0].Kind)
}

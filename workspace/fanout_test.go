package workspace

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperclip-ui/workspace/bundle"
	"github.com/paperclip-ui/workspace/parser"
	"github.com/paperclip-ui/workspace/vdoc"
)

func newSmallEngine(t *testing.T, maxClients int) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxClientStates = maxClients
	cfg.SweepInterval = time.Hour
	b := bundle.New(bundle.Config{
		Loader:       bundle.MapLoader{"/a.pc": "component A { render div {} }\n"},
		ParseOptions: parser.DefaultOptions(),
	})
	e := NewEngine(cfg, b)
	t.Cleanup(e.Close)
	return e
}

func TestCapacityEvictsLRU(t *testing.T) {
	e := newSmallEngine(t, 2)

	c1, err := e.Subscribe("/a.pc", "c1")
	require.NoError(t, err)
	c2, err := e.Subscribe("/a.pc", "c2")
	require.NoError(t, err)

	// c1 is the stalest.
	c1.lastSeen.Store(1)
	c2.lastSeen.Store(2)

	c3, err := e.Subscribe("/a.pc", "c3")
	require.NoError(t, err)
	require.NotNil(t, c3)

	// c1 got an eviction notice and a closed queue.
	var sawEvicted bool
	for u := range c1.queue {
		if u.Control == "evicted" {
			sawEvicted = true
			assert.NotEmpty(t, u.ControlID)
		}
	}
	assert.True(t, sawEvicted)
	assert.Equal(t, int64(2), e.clientCount.Load())
}

func TestReconnectDoesNotLeakState(t *testing.T) {
	e := newSmallEngine(t, 10)
	_, err := e.Subscribe("/a.pc", "x")
	require.NoError(t, err)
	_, err = e.Subscribe("/a.pc", "x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.clientCount.Load(), "same client id must not double-count")
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	e := newSmallEngine(t, 10)
	c, err := e.Subscribe("/a.pc", "x")
	require.NoError(t, err)

	c.lastSeen.Store(0)
	assert.True(t, e.Heartbeat("x"))
	assert.Greater(t, c.lastSeen.Load(), int64(-1))
	assert.False(t, e.Heartbeat("ghost"))
}

func TestSweepEvictsIdleClients(t *testing.T) {
	e := newSmallEngine(t, 10)
	cfg := e.cfg
	c, err := e.Subscribe("/a.pc", "x")
	require.NoError(t, err)

	// Pretend the client has been silent past the timeout.
	c.lastSeen.Store(e.nowMillis() - cfg.ClientTimeout.Milliseconds() - 1000)
	e.sweep()

	assert.Equal(t, int64(0), e.clientCount.Load())
	var sawEvicted bool
	for u := range c.queue {
		if u.Control == "evicted" {
			sawEvicted = true
		}
	}
	assert.True(t, sawEvicted)
}

func TestSweepDropsEmptySessions(t *testing.T) {
	e := newSmallEngine(t, 10)
	s, err := e.SessionFor("/a.pc")
	require.NoError(t, err)
	require.NotNil(t, s)

	s.mu.Lock()
	s.emptySince = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	e.sweep()
	assert.Equal(t, 0, e.SessionCount())
}

func TestPatchChunking(t *testing.T) {
	e := newSmallEngine(t, 10)
	c, err := e.Subscribe("/a.pc", "x")
	require.NoError(t, err)
	drain(c)

	s, err := e.SessionFor("/a.pc")
	require.NoError(t, err)

	patches := make([]vdoc.Patch, 25)
	for i := range patches {
		patches[i] = vdoc.Patch{
			Type:  vdoc.PatchSetAttribute,
			Path:  vdoc.PatchPath{"root"},
			Key:   fmt.Sprintf("attr-%d", i),
			Value: "v",
		}
	}
	s.mu.Lock()
	s.broadcastLocked(patches, nil, "")
	s.mu.Unlock()

	updates := drain(c)
	require.Len(t, updates, 3, "25 patches chunk into 10+10+5")
	assert.Len(t, updates[0].Patches, 10)
	assert.Len(t, updates[1].Patches, 10)
	assert.Len(t, updates[2].Patches, 5)
	for _, u := range updates {
		assert.Equal(t, updates[0].StateVersion, u.StateVersion)
	}
}

func TestSlowClientEvictedForUnresponsiveness(t *testing.T) {
	e := newSmallEngine(t, 10)
	cfgDepth := e.cfg.ClientQueueDepth

	c, err := e.Subscribe("/a.pc", "slow")
	require.NoError(t, err)
	// Do not drain: fill the queue past capacity.
	s, err := e.SessionFor("/a.pc")
	require.NoError(t, err)

	update := PreviewUpdate{FilePath: "/a.pc"}
	s.mu.Lock()
	for i := 0; i < cfgDepth+2; i++ {
		s.enqueueLocked(c, update)
	}
	s.mu.Unlock()

	select {
	case <-c.closed:
	default:
		t.Fatal("slow client should have been evicted")
	}
	assert.Equal(t, int64(0), e.clientCount.Load())
}

func TestVDOMBytesAccounting(t *testing.T) {
	e := newSmallEngine(t, 10)
	_, err := e.SessionFor("/a.pc")
	require.NoError(t, err)
	assert.Greater(t, e.vdomBytes.Load(), int64(0))
}

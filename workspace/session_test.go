package workspace

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperclip-ui/workspace/bundle"
	"github.com/paperclip-ui/workspace/crdt"
	"github.com/paperclip-ui/workspace/parser"
	"github.com/paperclip-ui/workspace/vdoc"
)

func newTestEngine(t *testing.T, sources map[string]string) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SweepInterval = time.Hour // sweeping is driven manually in tests
	b := bundle.New(bundle.Config{
		Loader:       bundle.MapLoader(sources),
		ParseOptions: parser.DefaultOptions(),
	})
	e := NewEngine(cfg, b)
	t.Cleanup(e.Close)
	return e
}

// drain reads queued updates without blocking.
func drain(c *client) []PreviewUpdate {
	var out []PreviewUpdate
	for {
		select {
		case u, ok := <-c.queue:
			if !ok {
				return out
			}
			out = append(out, u)
		default:
			return out
		}
	}
}

// waitFor polls until the condition holds; dependency refreshes run on a
// background goroutine.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.FailNow(t, "condition not reached")
}

func TestSubscribeDeliversInitialize(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/card.pc": "public component Card { render div {} }\n",
	})
	c, err := e.Subscribe("/card.pc", "x")
	require.NoError(t, err)

	updates := drain(c)
	require.NotEmpty(t, updates)
	first := updates[0]
	require.Len(t, first.Patches, 1)
	assert.Equal(t, vdoc.PatchInitialize, first.Patches[0].Type)
	require.NotNil(t, first.Patches[0].Document)
	assert.Equal(t, "root", first.Patches[0].Document.Root.SemanticID)
	assert.Equal(t, uint64(1), first.StateVersion)
}

// Scenario: frame resize. The @frame comment is rewritten, exactly one
// update carrying the ack arrives at the submitter, and the version
// advances by one; the new data-frame attributes reach other clients.
func TestFrameResizeScenario(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/card.pc": "/** @frame(x: 0, y: 0, width: 320, height: 480) */\npublic component Card { render div {} }\n",
	})
	c, err := e.Subscribe("/card.pc", "x")
	require.NoError(t, err)
	drain(c)

	s, err := e.SessionFor("/card.pc")
	require.NoError(t, err)
	before := s.Version()

	result := s.ApplyMutation("x", Mutation{
		MutationID: "m1",
		Kind:       MutationSetFrameBounds,
		Params: map[string]interface{}{
			"frame_id": "Card", "x": 100, "y": 50, "width": 320, "height": 480,
		},
	}, nil)
	require.Equal(t, StatusAcknowledged, result.Status)
	assert.Equal(t, before+1, result.NewVersion)

	assert.True(t, strings.HasPrefix(s.Text(),
		"/** @frame(x: 100, y: 50, width: 320, height: 480) */"))

	updates := drain(c)
	require.Len(t, updates, 1)
	u := updates[0]
	assert.Equal(t, before+1, u.StateVersion)
	assert.Contains(t, u.AcknowledgedMutationIDs, "m1")

	got := map[string]string{}
	for _, p := range u.Patches {
		if p.Type == vdoc.PatchSetAttribute {
			got[p.Key] = p.Value
		}
	}
	// The guard withheld the submitter's frame attrs until the ack in
	// this very update cleared it; a second client sees them directly.
	assert.NotContains(t, got, "data-frame-x")

	c2, err := e.Subscribe("/card.pc", "y")
	require.NoError(t, err)
	init := drain(c2)[0]
	frame := init.Patches[0].Document.Root.Children[0]
	assert.Equal(t, "100", frame.Attributes["data-frame-x"])
	assert.Equal(t, "50", frame.Attributes["data-frame-y"])
}

// Scenario: inline style edit under concurrent typing. A mutation from
// one client and a character insertion from a CRDT peer land together;
// both survive.
func TestConcurrentTypingAndMutation(t *testing.T) {
	src := "public component Button {\n\trender button {\n\t\tstyle {\n\t\t\tcolor: black;\n\t\t}\n\t}\n}\n"
	e := newTestEngine(t, map[string]string{"/button.pc": src})
	s, err := e.SessionFor("/button.pc")
	require.NoError(t, err)

	// Client Y holds a full replica.
	replica := crdt.NewText("y")
	full, err := s.EncodeDiff(nil)
	require.NoError(t, err)
	rtxn := replica.TransactWrite()
	_, err = rtxn.ApplyUpdate(full)
	rtxn.End()
	require.NoError(t, err)

	// Y types at offset 0 while X's mutation is in flight.
	serverSV := s.StateVector()
	rtxn = replica.TransactWrite()
	rtxn.Insert(0, "x")
	diff, err := rtxn.EncodeDiff(serverSV)
	rtxn.End()
	require.NoError(t, err)

	nodeID := func() string {
		doc, derr := e.bundle.GetDocument("/button.pc")
		require.NoError(t, derr)
		return doc.Component("Button").Render.SourceID()
	}()

	result := s.ApplyMutation("x", Mutation{
		MutationID: "m1",
		Kind:       MutationSetInlineStyle,
		Params:     map[string]interface{}{"node_id": nodeID, "property": "color", "value": "blue"},
	}, nil)
	require.Equal(t, StatusAcknowledged, result.Status)

	require.NoError(t, s.ApplyRemoteUpdate(diff))

	final := s.Text()
	assert.True(t, strings.HasPrefix(final, "x"), "concurrent prefix insert must survive: %q", final)
	assert.Contains(t, final, "color: blue;")
	assert.NotContains(t, final, "color: black")
}

// Scenario: recursive component. The write is aborted structurally; the
// previous virtual document stays authoritative and subscribers get an
// error-only update.
func TestRecursiveComponentKeepsOldVDOM(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/a.pc": "component A { render div {\n\ttext \"ok\"\n} }\n",
	})
	c, err := e.Subscribe("/a.pc", "x")
	require.NoError(t, err)
	drain(c)

	s, err := e.SessionFor("/a.pc")
	require.NoError(t, err)
	goodVDOM := s.VDOM()
	goodVersion := s.Version()

	err = s.ReplaceText("x", "component A { render div { A() } }\n", nil)
	require.NoError(t, err)

	assert.Equal(t, goodVersion, s.Version(), "a structural failure must not advance the version")
	assert.True(t, goodVDOM.Equal(s.VDOM()), "the old vdom stays authoritative")

	updates := drain(c)
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Empty(t, last.Patches)
	assert.Contains(t, last.Error, "RecursiveComponent")
}

func TestOversizeBufferRejected(t *testing.T) {
	e := newTestEngine(t, map[string]string{"/a.pc": "component A { render div {} }\n"})
	c, err := e.Subscribe("/a.pc", "x")
	require.NoError(t, err)
	drain(c)

	s, err := e.SessionFor("/a.pc")
	require.NoError(t, err)

	// Oversize content is an input error, surfaced to the submitter.
	huge := strings.Repeat("x", e.cfg.MaxContentSize+1)
	assert.ErrorIs(t, s.ReplaceText("x", huge, nil), ErrContentTooLarge)
}

// Scenario: disconnect and reconnect. The server advances while the
// client is away; the returning client id gets a fresh Initialize at the
// current version, not a delta.
func TestReconnectResync(t *testing.T) {
	e := newTestEngine(t, map[string]string{"/a.pc": "component A { render div {} }\n"})
	c, err := e.Subscribe("/a.pc", "x")
	require.NoError(t, err)
	drain(c)

	s, err := e.SessionFor("/a.pc")
	require.NoError(t, err)
	require.NoError(t, s.ReplaceText("x", "component A { render span {} }\n", nil))
	require.NoError(t, s.ReplaceText("x", "component A { render em {} }\n", nil))
	drain(c)

	// Disconnect.
	e.DropClient("x")

	// Server advances while the client is away.
	require.NoError(t, s.ReplaceText("other", "component A { render p {} }\n", nil))
	current := s.Version()

	// Reconnect with the same id: fresh subscription, Initialize first.
	c2, err := e.Subscribe("/a.pc", "x")
	require.NoError(t, err)
	updates := drain(c2)
	require.NotEmpty(t, updates)
	assert.Equal(t, vdoc.PatchInitialize, updates[0].Patches[0].Type)
	assert.Equal(t, current, updates[0].StateVersion)
}

func TestExpectedVersionMismatchResyncs(t *testing.T) {
	e := newTestEngine(t, map[string]string{"/a.pc": "component A { render div {} }\n"})
	c, err := e.Subscribe("/a.pc", "x")
	require.NoError(t, err)
	drain(c)

	s, err := e.SessionFor("/a.pc")
	require.NoError(t, err)
	stale := uint64(999)
	result := s.ApplyMutation("x", Mutation{
		MutationID: "m1",
		Kind:       MutationRemoveNode,
		Params:     map[string]interface{}{"node_id": "whatever"},
	}, &stale)
	assert.Equal(t, StatusRejected, result.Status)
	assert.Contains(t, result.Reason, "version mismatch")

	updates := drain(c)
	require.NotEmpty(t, updates)
	assert.Equal(t, vdoc.PatchInitialize, updates[0].Patches[0].Type)
}

func TestVersionMonotonicPerWrite(t *testing.T) {
	e := newTestEngine(t, map[string]string{"/a.pc": "component A { render div {} }\n"})
	s, err := e.SessionFor("/a.pc")
	require.NoError(t, err)

	v := s.Version()
	for i, tag := range []string{"span", "em", "p"} {
		require.NoError(t, s.ReplaceText("x", "component A { render "+tag+" {} }\n", nil))
		assert.Equal(t, v+uint64(i)+1, s.Version())
	}
}

// A change to an imported file refreshes the importer's preview without
// any edit to the importer's own text.
func TestDependencyChangePropagates(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/theme.pc": "public token accent red\n",
		"/app.pc": "import \"./theme.pc\" as theme\ncomponent App {\n\trender div {\n\t\tstyle {\n\t\t\tcolor: $theme.accent;\n\t\t}\n\t}\n}\n",
	})

	appClient, err := e.Subscribe("/app.pc", "x")
	require.NoError(t, err)
	init := drain(appClient)[0]
	require.Len(t, init.Patches[0].Document.Rules, 1)
	assert.Equal(t, "red", init.Patches[0].Document.Rules[0].Declarations[0].Value)

	app, err := e.SessionFor("/app.pc")
	require.NoError(t, err)
	appVersion := app.Version()

	theme, err := e.SessionFor("/theme.pc")
	require.NoError(t, err)
	require.NoError(t, theme.ReplaceText("y", "public token accent blue\n", nil))

	waitFor(t, func() bool { return app.Version() > appVersion })

	vd := app.VDOM()
	require.Len(t, vd.Rules, 1)
	assert.Equal(t, "blue", vd.Rules[0].Declarations[0].Value)
}

// Registering the manifest turns unresolved live-component references
// into opaque elements, and open sessions pick the change up.
func TestRegistryLiveComponentResolves(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"/dash.pc": "component Dash {\n\trender div {\n\t\tChart(width=300)\n\t}\n}\n",
	})
	s, err := e.SessionFor("/dash.pc")
	require.NoError(t, err)

	// Without the registry, evaluation fails structurally: no vdom yet.
	assert.Nil(t, s.VDOM())

	e.SetRegistry(&Registry{Components: []LiveComponent{
		{Name: "Chart", Tag: "canvas"},
	}})

	vd := s.VDOM()
	require.NotNil(t, vd)
	chart := vd.Root.Children[0].Children[0]
	assert.Equal(t, "canvas", chart.Tag)
	assert.Equal(t, "Chart", chart.Attributes["data-live-component"])
	assert.Equal(t, "300", chart.Attributes["width"])
}

func TestSyncSubscriberReceivesOps(t *testing.T) {
	e := newTestEngine(t, map[string]string{"/a.pc": "component A { render div {} }\n"})
	s, err := e.SessionFor("/a.pc")
	require.NoError(t, err)

	ch, err := s.SubscribeSync("peer", nil)
	require.NoError(t, err)
	defer s.UnsubscribeSync("peer")

	backlog := <-ch
	replica := crdt.NewText("peer")
	rtxn := replica.TransactWrite()
	_, err = rtxn.ApplyUpdate(backlog)
	rtxn.End()
	require.NoError(t, err)

	require.NoError(t, s.ReplaceText("x", "component A { render span {} }\n", nil))

	select {
	case diff := <-ch:
		rtxn = replica.TransactWrite()
		_, err = rtxn.ApplyUpdate(diff)
		rtxn.End()
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("no sync diff arrived")
	}

	rtxn2 := replica.TransactRead()
	got := rtxn2.String()
	rtxn2.End()
	assert.Equal(t, s.Text(), got)
}

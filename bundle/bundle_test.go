package bundle

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperclip-ui/workspace/parser"
)

func newTestBundle(sources MapLoader) *Bundle {
	return New(Config{Loader: sources, ParseOptions: parser.DefaultOptions()})
}

func TestResolve(t *testing.T) {
	b := newTestBundle(nil)

	got, err := b.Resolve("./theme.pc", "/app/main.pc")
	require.NoError(t, err)
	assert.Equal(t, "/app/theme.pc", got)

	got, err = b.Resolve("../shared/tokens.pc", "/app/main.pc")
	require.NoError(t, err)
	assert.Equal(t, "/shared/tokens.pc", got)

	got, err = b.Resolve("/lib/button.pc", "/app/main.pc")
	require.NoError(t, err)
	assert.Equal(t, "/lib/button.pc", got)
}

func TestResolveRejectsEscape(t *testing.T) {
	b := newTestBundle(nil)
	_, err := b.Resolve("../../etc/passwd", "/app/main.pc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPathEscape))
}

func TestGetDocumentMemoizes(t *testing.T) {
	b := newTestBundle(MapLoader{
		"/a.pc": `component A { render div {} }`,
	})
	first, err := b.GetDocument("/a.pc")
	require.NoError(t, err)
	second, err := b.GetDocument("/a.pc")
	require.NoError(t, err)
	assert.Same(t, first, second, "repeated gets must hit the cache")
}

func TestGetDocumentNotFound(t *testing.T) {
	b := newTestBundle(MapLoader{})
	_, err := b.GetDocument("/missing.pc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDependentsAndInvalidate(t *testing.T) {
	b := newTestBundle(MapLoader{
		"/tokens.pc": `public token accent #fff`,
		"/button.pc": `import "./tokens.pc" as tokens
public component Button { render button {} }`,
		"/app.pc": `import "./button.pc" as ui
component App { render div {} }`,
	})

	_, err := b.GetDocument("/tokens.pc")
	require.NoError(t, err)
	_, err = b.GetDocument("/button.pc")
	require.NoError(t, err)
	_, err = b.GetDocument("/app.pc")
	require.NoError(t, err)

	assert.Equal(t, []string{"/app.pc", "/button.pc"}, b.Dependents("/tokens.pc"))
	assert.Equal(t, []string{"/app.pc"}, b.Dependents("/button.pc"))

	dropped := b.Invalidate("/tokens.pc")
	assert.Equal(t, []string{"/app.pc", "/button.pc"}, dropped)

	// Dropped documents reparse on demand.
	reparsed, err := b.GetDocument("/app.pc")
	require.NoError(t, err)
	assert.NotNil(t, reparsed)
}

func TestCycleDetected(t *testing.T) {
	b := newTestBundle(MapLoader{
		"/a.pc": `import "./b.pc" as b
component A { render div {} }`,
		"/b.pc": `import "./a.pc" as a
component B { render div {} }`,
	})

	_, err := b.GetDocument("/a.pc")
	require.NoError(t, err, "the cycle is not visible until both files are parsed")

	_, err = b.GetDocument("/b.pc")
	require.Error(t, err)
	var cyc *CycleError
	require.True(t, errors.As(err, &cyc))
	assert.Contains(t, cyc.Chain, "/a.pc")
	assert.Contains(t, cyc.Chain, "/b.pc")
}

func TestSetSourceInvalidatesDependents(t *testing.T) {
	b := newTestBundle(MapLoader{
		"/theme.pc": `public token accent red`,
		"/app.pc": `import "./theme.pc" as theme
component App { render div {} }`,
	})
	_, err := b.GetDocument("/theme.pc")
	require.NoError(t, err)
	appDoc, err := b.GetDocument("/app.pc")
	require.NoError(t, err)

	doc, diags, err := b.SetSource("/theme.pc", `public token accent blue`)
	require.NoError(t, err)
	assert.Empty(t, diags)
	assert.Equal(t, "blue", doc.Atoms[0].Value)

	fresh, err := b.GetDocument("/app.pc")
	require.NoError(t, err)
	assert.NotSame(t, appDoc, fresh, "dependents must reparse after an import changes")
}

func TestSetSourceParseErrorKeepsNothingCached(t *testing.T) {
	b := newTestBundle(MapLoader{})
	opts := parser.DefaultOptions()
	opts.MaxSourceSize = 8
	b.opts = opts

	_, _, err := b.SetSource("/big.pc", "component Big { render div {} }")
	require.Error(t, err)
	_, err = b.GetDocument("/big.pc")
	require.Error(t, err, "a failed parse must not leave a cached document")
}

func TestDirLoaderConfinement(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "ok.pc"), []byte("token a red"), 0644))

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.pc"), []byte("nope"), 0644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.pc"), filepath.Join(root, "link.pc")))

	loader, err := NewDirLoader(root)
	require.NoError(t, err)

	content, err := loader.Load("/ok.pc")
	require.NoError(t, err)
	assert.Equal(t, "token a red", content)

	_, err = loader.Load("/link.pc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPathEscape))

	_, err = loader.Load("/nope.pc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

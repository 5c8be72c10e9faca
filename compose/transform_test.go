package compose_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mcpkit/compose-go/compose"
	"github.com/mcpkit/compose-go/mcp"
	"github.com/mcpkit/compose-go/sessions"
)

func TestResourcePrefixRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		uri    string
		prefix string
		want   string
	}{
		{"notes://db/1", "team", "notes://team/db/1"},
		{"file:///etc/hosts", "ns", "file://ns//etc/hosts"},
		{"s3://bucket", "a", "s3://a/bucket"},
		{"notes://db/1", "", "notes://db/1"},
	}
	for _, tc := range cases {
		got, err := compose.AddResourcePrefix(tc.uri, tc.prefix)
		if err != nil {
			t.Fatalf("AddResourcePrefix(%q, %q): %v", tc.uri, tc.prefix, err)
		}
		if got != tc.want {
			t.Fatalf("AddResourcePrefix(%q, %q) = %q, want %q", tc.uri, tc.prefix, got, tc.want)
		}
		back, err := compose.RemoveResourcePrefix(got, tc.prefix)
		if err != nil {
			t.Fatalf("RemoveResourcePrefix(%q, %q): %v", got, tc.prefix, err)
		}
		if back != tc.uri {
			t.Fatalf("round trip of %q via %q gave %q", tc.uri, tc.prefix, back)
		}
		if tc.prefix != "" {
			has, err := compose.HasResourcePrefix(got, tc.prefix)
			if err != nil || !has {
				t.Fatalf("HasResourcePrefix(%q, %q) = %v, %v", got, tc.prefix, has, err)
			}
		}
	}

	// A URI that never carried the prefix passes through unchanged.
	same, err := compose.RemoveResourcePrefix("notes://db/1", "team")
	if err != nil || same != "notes://db/1" {
		t.Fatalf("expected unrelated URI to pass through, got %q, %v", same, err)
	}
}

func TestResourcePrefixRejectsMalformedURIs(t *testing.T) {
	t.Parallel()

	var formatErr *compose.URIFormatError
	if _, err := compose.AddResourcePrefix("not-a-uri", "x"); !errors.As(err, &formatErr) {
		t.Fatalf("expected *URIFormatError, got %v", err)
	}
	if _, err := compose.RemoveResourcePrefix("still-not-a-uri", "x"); !errors.As(err, &formatErr) {
		t.Fatalf("expected *URIFormatError, got %v", err)
	}
	if _, err := compose.HasResourcePrefix("nope", "x"); !errors.As(err, &formatErr) {
		t.Fatalf("expected *URIFormatError, got %v", err)
	}
}

func TestNamespaceStacksOutermostLast(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reg := compose.NewRegistry()
	reg.AddTool(&compose.Tool{
		Descriptor: mcp.Tool{Name: "t"},
		Handler: func(_ context.Context, _ sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			// Echo the name this layer received.
			return compose.TextResult(req.Name), nil
		},
	})

	a, err := compose.WithNamespace(reg, "A")
	if err != nil {
		t.Fatalf("namespace A: %v", err)
	}
	b, err := compose.WithNamespace(a, "B")
	if err != nil {
		t.Fatalf("namespace B: %v", err)
	}

	ids := listIDs(t, b, compose.KindTool)
	if len(ids) != 1 || ids[0] != "B_A_t" {
		t.Fatalf("expected [B_A_t], got %v", ids)
	}

	c, ok, err := b.Get(ctx, compose.KindTool, "B_A_t")
	if err != nil || !ok {
		t.Fatalf("resolving stacked name: %v %v", ok, err)
	}
	res, err := c.(*compose.Tool).Handler(ctx, testSession("s1"), &mcp.CallToolRequestReceived{Name: "B_A_t"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.Content[0].Text != "t" {
		t.Fatalf("inner handler should see the raw name, got %q", res.Content[0].Text)
	}

	// Names the stack could not have produced never resolve.
	for _, miss := range []string{"A_t", "t", "B_t"} {
		if _, ok, err := b.Get(ctx, compose.KindTool, miss); ok || err != nil {
			t.Fatalf("expected %q to miss cleanly, got %v %v", miss, ok, err)
		}
	}
}

func TestRenameShadowsNamespace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reg := compose.NewRegistry()
	reg.AddTool(textTool("add", "sum"))
	reg.AddTool(textTool("sub", "diff"))

	tr, err := compose.WithTransforms(reg, compose.Namespace("calc"), compose.RenameTool("add", "plus"))
	if err != nil {
		t.Fatalf("transform: %v", err)
	}

	ids := listIDs(t, tr, compose.KindTool)
	want := map[string]bool{"plus": true, "calc_sub": true}
	if len(ids) != 2 || !want[ids[0]] || !want[ids[1]] {
		t.Fatalf("expected plus and calc_sub, got %v", ids)
	}

	if _, ok, _ := tr.Get(ctx, compose.KindTool, "plus"); !ok {
		t.Fatal("renamed tool should resolve under its public name")
	}
	// The rename removes both the raw and the namespaced spelling.
	for _, miss := range []string{"add", "calc_add"} {
		if _, ok, err := tr.Get(ctx, compose.KindTool, miss); ok || err != nil {
			t.Fatalf("expected %q to miss, got %v %v", miss, ok, err)
		}
	}
}

func TestTransformRescopesDisabledIdentity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reg := compose.NewRegistry()
	reg.AddTool(textTool("add", "x"))
	reg.Visibility().Disable(compose.DisableKeys("tool:add"))

	tr, err := compose.WithNamespace(reg, "ns")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	_, ok, err := tr.Get(ctx, compose.KindTool, "ns_add")
	if ok {
		t.Fatal("disabled tool should not resolve")
	}
	var disabled *compose.DisabledError
	if !errors.As(err, &disabled) {
		t.Fatalf("expected *DisabledError, got %v", err)
	}
	if disabled.ID != "ns_add" {
		t.Fatalf("disabled identity should be the public name, got %q", disabled.ID)
	}
}

func TestTransformConstructionErrors(t *testing.T) {
	t.Parallel()

	reg := compose.NewRegistry()

	if _, err := compose.WithTransforms(nil); err == nil {
		t.Fatal("expected an error for a nil provider")
	}
	if _, err := compose.WithNamespace(reg, ""); err == nil {
		t.Fatal("expected an error for an empty namespace")
	}
	if _, err := compose.WithTransforms(reg, compose.Namespace("a"), compose.Namespace("b")); err == nil {
		t.Fatal("expected an error for a second namespace on the same layer")
	}
	if _, err := compose.WithTransforms(reg, compose.RenameTool("a", "x"), compose.RenameTool("b", "x")); err == nil {
		t.Fatal("expected an error for two renames with the same target")
	}
	if _, err := compose.WithTransforms(reg, compose.RenameTool("a", "x"), compose.RenameTool("a", "y")); err == nil {
		t.Fatal("expected an error for conflicting renames of one tool")
	}
	if _, err := compose.WithTransforms(reg, compose.RenameTool("", "x")); err == nil {
		t.Fatal("expected an error for an empty rename source")
	}
}

func TestTransformRewritesResourceIdentities(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reg := compose.NewRegistry()
	reg.AddResource(compose.NewResource("notes://db/1", "one", echoResource))
	reg.AddResourceTemplate(compose.NewResourceTemplate("notes://{b}/{id}", "note", echoResource))
	reg.AddPrompt(compose.NewPrompt("greet", nil))

	tr, err := compose.WithNamespace(reg, "team")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}

	if ids := listIDs(t, tr, compose.KindResource); len(ids) != 1 || ids[0] != "notes://team/db/1" {
		t.Fatalf("unexpected resource ids %v", ids)
	}
	if ids := listIDs(t, tr, compose.KindTemplate); len(ids) != 1 || ids[0] != "notes://team/{b}/{id}" {
		t.Fatalf("unexpected template ids %v", ids)
	}
	if ids := listIDs(t, tr, compose.KindPrompt); len(ids) != 1 || ids[0] != "team_greet" {
		t.Fatalf("unexpected prompt ids %v", ids)
	}

	c, ok, err := tr.Get(ctx, compose.KindResource, "notes://team/db/1")
	if err != nil || !ok {
		t.Fatalf("resolving prefixed resource: %v %v", ok, err)
	}
	res, err := c.(*compose.Resource).Handler(ctx, testSession("s1"), "notes://team/db/1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// The inner handler sees the unprefixed URI.
	if res.Contents[0].URI != "notes://db/1" {
		t.Fatalf("inner handler saw %q", res.Contents[0].URI)
	}

	if _, ok, _ := tr.Get(ctx, compose.KindResource, "notes://db/1"); ok {
		t.Fatal("unprefixed URI should not resolve through the namespace")
	}
}

// passthroughWatcher is a minimal provider with lifecycle and change
// reporting, for asserting wrapper passthrough.
type passthroughWatcher struct {
	compose.Provider
	started  bool
	closed   bool
	notifier compose.ChangeNotifier
}

func (p *passthroughWatcher) Start(ctx context.Context) error { p.started = true; return nil }
func (p *passthroughWatcher) Close(ctx context.Context) error { p.closed = true; return nil }
func (p *passthroughWatcher) ChangeNotifier(kind compose.Kind) *compose.ChangeNotifier {
	if kind != compose.KindTool {
		return nil
	}
	return &p.notifier
}

func TestTransformPassesThroughLifecycleAndChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	inner := &passthroughWatcher{Provider: compose.NewRegistry()}
	tr, err := compose.WithNamespace(inner, "ns")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}

	lc, ok := tr.(compose.Lifecycle)
	if !ok {
		t.Fatal("transformer should surface the inner lifecycle")
	}
	if err := lc.Start(ctx); err != nil || !inner.started {
		t.Fatalf("start passthrough: %v started=%v", err, inner.started)
	}
	if err := lc.Close(ctx); err != nil || !inner.closed {
		t.Fatalf("close passthrough: %v closed=%v", err, inner.closed)
	}

	w, ok := tr.(compose.ChangeWatcher)
	if !ok {
		t.Fatal("transformer should surface the inner change watcher")
	}
	if w.ChangeNotifier(compose.KindTool) != &inner.notifier {
		t.Fatal("expected the inner notifier, untouched")
	}
	if w.ChangeNotifier(compose.KindPrompt) != nil {
		t.Fatal("kinds the inner never signals stay nil")
	}
}

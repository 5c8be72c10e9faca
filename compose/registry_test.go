package compose_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mcpkit/compose-go/compose"
)

func listIDs(t *testing.T, p compose.Provider, kind compose.Kind) []string {
	t.Helper()
	comps, err := p.List(context.Background(), kind)
	if err != nil {
		t.Fatalf("list %s: %v", kind, err)
	}
	ids := make([]string, 0, len(comps))
	for _, c := range comps {
		ids = append(ids, c.ComponentID())
	}
	return ids
}

func TestRegistryListsInRegistrationOrder(t *testing.T) {
	t.Parallel()

	reg := compose.NewRegistry()
	reg.AddTool(textTool("charlie", "c"))
	reg.AddTool(textTool("alpha", "a"))
	reg.AddTool(textTool("bravo", "b"))

	ids := listIDs(t, reg, compose.KindTool)
	want := []string{"charlie", "alpha", "bravo"}
	if len(ids) != len(want) {
		t.Fatalf("expected %d tools, got %v", len(want), ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, ids)
		}
	}
}

func TestRegistryReplaceKeepsPosition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reg := compose.NewRegistry()
	reg.AddTool(textTool("a", "1"))
	reg.AddTool(textTool("b", "1"))
	reg.AddTool(textTool("c", "1"))

	sub := reg.ChangeNotifier(compose.KindTool).Subscriber()

	next := textTool("b", "2")
	next.Descriptor.Description = "second edition"
	reg.AddTool(next)

	ids := listIDs(t, reg, compose.KindTool)
	if len(ids) != 3 || ids[1] != "b" {
		t.Fatalf("replacement moved the component: %v", ids)
	}
	c, ok, err := reg.Get(ctx, compose.KindTool, "b")
	if err != nil || !ok {
		t.Fatalf("get replaced tool: %v %v", ok, err)
	}
	if c.(*compose.Tool).Descriptor.Description != "second edition" {
		t.Fatal("replacement did not take effect")
	}
	expectTick(t, sub, "replacement should signal a catalogue change")
}

func TestRegistryRemove(t *testing.T) {
	t.Parallel()

	reg := compose.NewRegistry()
	reg.AddTool(textTool("a", "1"))
	reg.AddTool(textTool("b", "1"))

	if !reg.Remove(compose.KindTool, "a") {
		t.Fatal("expected removal of a registered tool to report true")
	}
	if reg.Remove(compose.KindTool, "a") {
		t.Fatal("expected removal of a missing tool to report false")
	}
	ids := listIDs(t, reg, compose.KindTool)
	if len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("unexpected tools after removal: %v", ids)
	}
}

func TestRegistryResolvesConcreteURIThroughTemplates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reg := compose.NewRegistry()
	tpl := compose.NewResourceTemplate("notes://{bucket}/{id}", "note", nil)
	reg.AddResourceTemplate(tpl)

	c, ok, err := reg.Get(ctx, compose.KindTemplate, "notes://db/42")
	if err != nil || !ok {
		t.Fatalf("expected the concrete URI to match the template: %v %v", ok, err)
	}
	if c != compose.Component(tpl) {
		t.Fatal("expected the registered template back")
	}

	if _, ok, _ := reg.Get(ctx, compose.KindTemplate, "notes://db"); ok {
		t.Fatal("URI missing a segment should not match")
	}
	if _, ok, _ := reg.Get(ctx, compose.KindTemplate, "other://db/42"); ok {
		t.Fatal("URI with a different scheme should not match")
	}
}

func TestRegistryFilterHidesAndReportsDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reg := compose.NewRegistry()
	reg.AddTool(textTool("add", "x"))
	sub := reg.ChangeNotifier(compose.KindTool).Subscriber()

	reg.Visibility().Disable(compose.DisableKeys("tool:add"))
	expectTick(t, sub, "filter change should signal the tool catalogue")

	if ids := listIDs(t, reg, compose.KindTool); len(ids) != 0 {
		t.Fatalf("disabled tool still listed: %v", ids)
	}
	_, ok, err := reg.Get(ctx, compose.KindTool, "add")
	if ok {
		t.Fatal("disabled tool should not resolve")
	}
	var disabled *compose.DisabledError
	if !errors.As(err, &disabled) {
		t.Fatalf("expected *DisabledError, got %v", err)
	}
	if disabled.Kind != compose.KindTool || disabled.ID != "add" {
		t.Fatalf("disabled error misattributed: %+v", disabled)
	}

	reg.Visibility().Enable(compose.EnableKeys("tool:add"))
	if _, ok, err := reg.Get(ctx, compose.KindTool, "add"); !ok || err != nil {
		t.Fatalf("re-enabled tool should resolve: %v %v", ok, err)
	}
}

func TestRegistryDisabledTemplateDoesNotMatchConcreteURIs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reg := compose.NewRegistry()
	reg.AddResourceTemplate(compose.NewResourceTemplate("notes://{b}/{id}", "note", nil))
	reg.Visibility().Disable(compose.DisableKeys("template:notes://{b}/{id}"))

	_, ok, err := reg.Get(ctx, compose.KindTemplate, "notes://db/1")
	if ok {
		t.Fatal("hidden template should not resolve expansions")
	}
	var disabled *compose.DisabledError
	if !errors.As(err, &disabled) {
		t.Fatalf("expected *DisabledError, got %v", err)
	}
	// The error names the template, not the expansion the caller asked for.
	if disabled.ID != "notes://{b}/{id}" {
		t.Fatalf("expected the template id, got %q", disabled.ID)
	}
}

func TestRegistryServesAllKinds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reg := compose.NewRegistry()
	reg.AddTool(textTool("add", "x"))
	reg.AddPrompt(compose.NewPrompt("greet", nil))
	reg.AddResource(compose.NewResource("notes://db/1", "one", nil))
	reg.AddResourceTemplate(compose.NewResourceTemplate("notes://{b}/{id}", "note", nil))

	for _, kind := range []compose.Kind{compose.KindTool, compose.KindPrompt, compose.KindResource, compose.KindTemplate} {
		if ids := listIDs(t, reg, kind); len(ids) != 1 {
			t.Fatalf("expected one %s, got %v", kind, ids)
		}
	}
	if tools, err := compose.Tools(ctx, reg); err != nil || len(tools) != 1 {
		t.Fatalf("typed tool listing: %v", err)
	}
	if prompts, err := compose.Prompts(ctx, reg); err != nil || len(prompts) != 1 {
		t.Fatalf("typed prompt listing: %v", err)
	}
}

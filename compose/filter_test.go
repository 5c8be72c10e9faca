package compose_test

import (
	"testing"

	"github.com/mcpkit/compose-go/compose"
)

func TestFilterBlocklistWinsOverAllowlist(t *testing.T) {
	t.Parallel()

	f := compose.NewFilter()
	f.Disable(compose.DisableKeys("tool:add"))
	f.Enable(compose.EnableKeys("tool:add"), compose.Exclusive())
	if f.IsEnabled("tool:add", nil) {
		t.Fatal("blocklisted key became visible through an exclusive allowlist")
	}

	// Same outcome with the rules installed in the opposite order.
	g := compose.NewFilter()
	g.Enable(compose.EnableKeys("tool:add"), compose.Exclusive())
	g.Disable(compose.DisableKeys("tool:add"))
	if g.IsEnabled("tool:add", nil) {
		t.Fatal("blocklist installed after the allowlist did not win")
	}

	h := compose.NewFilter()
	h.Disable(compose.DisableTags("math"))
	h.Enable(compose.EnableTags("math"), compose.Exclusive())
	if h.IsEnabled("tool:add", []string{"math"}) {
		t.Fatal("blocklisted tag became visible through an exclusive allowlist")
	}
}

func TestFilterExclusiveAllowlistFlipsDefault(t *testing.T) {
	t.Parallel()

	f := compose.NewFilter()
	if !f.IsEnabled("tool:add", nil) {
		t.Fatal("fresh filter should show everything")
	}

	f.Enable(compose.EnableKeys("tool:add"), compose.Exclusive())
	if !f.IsEnabled("tool:add", nil) {
		t.Fatal("allowlisted key should stay visible")
	}
	if f.IsEnabled("tool:sub", nil) {
		t.Fatal("key outside the exclusive allowlist should be hidden")
	}
	if f.IsEnabled("prompt:greet", nil) {
		t.Fatal("exclusive default applies across kinds")
	}

	// Tag allowlists admit tagged components of any kind and nothing else.
	g := compose.NewFilter()
	g.Enable(compose.EnableTags("math"), compose.Exclusive())
	if !g.IsEnabled("tool:add", []string{"math", "slow"}) {
		t.Fatal("tagged component should pass the exclusive tag allowlist")
	}
	if g.IsEnabled("tool:add", nil) {
		t.Fatal("untagged component should be hidden under an exclusive tag allowlist")
	}
}

func TestFilterEnableWithoutExclusiveOnlyLiftsBlocklist(t *testing.T) {
	t.Parallel()

	var reports [][]compose.Kind
	f := compose.NewFilter()
	f.OnChange(func(kinds []compose.Kind) { reports = append(reports, kinds) })

	f.Disable(compose.DisableKeys("tool:add"))
	f.Enable(compose.EnableKeys("tool:add"))
	if !f.IsEnabled("tool:add", nil) {
		t.Fatal("enable should lift the blocklist entry")
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 change reports, got %d", len(reports))
	}

	// Enabling something that was never disabled is a no-op.
	f.Enable(compose.EnableKeys("tool:never-disabled"))
	if len(reports) != 2 {
		t.Fatalf("no-op enable should not report a change, got %d reports", len(reports))
	}

	// After an exclusive allowlist is installed, a plain enable does not
	// widen it.
	f.Enable(compose.EnableKeys("tool:a"), compose.Exclusive())
	f.Enable(compose.EnableKeys("tool:b"))
	if f.IsEnabled("tool:b", nil) {
		t.Fatal("plain enable must not extend an exclusive allowlist")
	}
}

func TestFilterDisableIsIdempotent(t *testing.T) {
	t.Parallel()

	var reports [][]compose.Kind
	f := compose.NewFilter()
	f.OnChange(func(kinds []compose.Kind) { reports = append(reports, kinds) })

	f.Disable(compose.DisableKeys("tool:add"))
	if len(reports) != 1 {
		t.Fatalf("expected one change report, got %d", len(reports))
	}
	if len(reports[0]) != 1 || reports[0][0] != compose.KindTool {
		t.Fatalf("expected a tool-only report, got %v", reports[0])
	}

	f.Disable(compose.DisableKeys("tool:add"))
	if len(reports) != 1 {
		t.Fatalf("repeat disable must not report a change, got %d reports", len(reports))
	}

	// Tags can cover any kind, so a tag change reports all of them.
	f.Disable(compose.DisableTags("deprecated"))
	if len(reports) != 2 {
		t.Fatalf("expected a second report for the tag, got %d", len(reports))
	}
	if len(reports[1]) != 4 {
		t.Fatalf("tag disable should cover every kind, got %v", reports[1])
	}
	f.Disable(compose.DisableTags("deprecated"))
	if len(reports) != 2 {
		t.Fatalf("repeat tag disable must not report a change, got %d reports", len(reports))
	}
}

func TestFilterMultiKeyDisableReportsOnce(t *testing.T) {
	t.Parallel()

	var reports [][]compose.Kind
	f := compose.NewFilter()
	f.OnChange(func(kinds []compose.Kind) { reports = append(reports, kinds) })

	f.Disable(compose.DisableKeys("tool:add", "prompt:greet", "tool:sub"))
	if len(reports) != 1 {
		t.Fatalf("one update should produce one report, got %d", len(reports))
	}
	want := []compose.Kind{compose.KindTool, compose.KindPrompt}
	if len(reports[0]) != len(want) || reports[0][0] != want[0] || reports[0][1] != want[1] {
		t.Fatalf("expected kinds %v, got %v", want, reports[0])
	}
}

func TestFilterExclusiveReplacesPriorAllowlist(t *testing.T) {
	t.Parallel()

	var reports [][]compose.Kind
	f := compose.NewFilter()
	f.OnChange(func(kinds []compose.Kind) { reports = append(reports, kinds) })

	f.Enable(compose.EnableKeys("tool:a"), compose.Exclusive())
	if !f.IsEnabled("tool:a", nil) {
		t.Fatal("tool:a should be allowlisted")
	}

	f.Enable(compose.EnableKeys("tool:b"), compose.Exclusive())
	if f.IsEnabled("tool:a", nil) {
		t.Fatal("previous allowlist should be replaced, not extended")
	}
	if !f.IsEnabled("tool:b", nil) {
		t.Fatal("tool:b should be allowlisted")
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 change reports, got %d", len(reports))
	}

	// Installing the identical allowlist again changes nothing.
	f.Enable(compose.EnableKeys("tool:b"), compose.Exclusive())
	if len(reports) != 2 {
		t.Fatalf("identical exclusive enable must not report, got %d reports", len(reports))
	}
}

func TestFilterResetRestoresDefaults(t *testing.T) {
	t.Parallel()

	var reports [][]compose.Kind
	f := compose.NewFilter()
	f.OnChange(func(kinds []compose.Kind) { reports = append(reports, kinds) })

	f.Disable(compose.DisableKeys("tool:add"), compose.DisableTags("slow"))
	f.Enable(compose.EnableKeys("prompt:greet"), compose.Exclusive())
	before := len(reports)

	f.Reset()
	if !f.IsEnabled("tool:add", []string{"slow"}) {
		t.Fatal("reset should restore full visibility")
	}
	if f.IsEnabled("tool:add", nil) != true || f.IsEnabled("resource:notes://db/1", nil) != true {
		t.Fatal("reset should drop the exclusive default")
	}
	if len(reports) != before+1 {
		t.Fatalf("reset should report exactly once, got %d extra", len(reports)-before)
	}
	if len(reports[len(reports)-1]) != 4 {
		t.Fatalf("reset report should cover every kind, got %v", reports[len(reports)-1])
	}

	f.Reset()
	if len(reports) != before+1 {
		t.Fatal("reset of a clean filter must not report a change")
	}
}

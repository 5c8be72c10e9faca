package compose_test

import (
	"testing"

	"github.com/mcpkit/compose-go/compose"
	"github.com/mcpkit/compose-go/mcp"
	"github.com/mcpkit/compose-go/tasks"
)

func TestKeyRoundTrip(t *testing.T) {
	t.Parallel()

	key := compose.Key(compose.KindResource, "notes://db/1")
	if key != "resource:notes://db/1" {
		t.Fatalf("unexpected key %q", key)
	}
	kind, id, ok := compose.SplitKey(key)
	if !ok || kind != compose.KindResource || id != "notes://db/1" {
		t.Fatalf("split mismatch: %v %q %q", ok, kind, id)
	}

	for _, bad := range []string{"", "noseparator", "gadget:thing"} {
		if _, _, ok := compose.SplitKey(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestResourceTemplateMatching(t *testing.T) {
	t.Parallel()

	cases := []struct {
		template string
		uri      string
		want     bool
	}{
		{"notes://{bucket}/{id}", "notes://db/42", true},
		{"notes://{bucket}/{id}", "notes://db/42/extra", false},
		{"notes://{bucket}/{id}", "notes://db", false},
		{"notes://{bucket}", "notes://a/b", false}, // variables never span '/'
		{"notes://{bucket}", "notes://", false},    // variables need at least one char
		{"f://{a}x{b}", "f://1x2x3", true},         // literal also occurs inside the value
		{"plain://fixed", "plain://fixed", true},
		{"plain://fixed", "plain://other", false},
		{"bad://{unclosed", "bad://whatever", false},
	}
	for _, tc := range cases {
		tpl := &compose.ResourceTemplate{Descriptor: mcp.ResourceTemplate{URITemplate: tc.template}}
		if got := tpl.Matches(tc.uri); got != tc.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tc.template, tc.uri, got, tc.want)
		}
	}
}

func TestToolWireDescriptorDeclaresTaskSupport(t *testing.T) {
	t.Parallel()

	plain := &compose.Tool{Descriptor: mcp.Tool{Name: "add"}}
	if d := plain.WireDescriptor(); d.Execution != nil {
		t.Fatalf("tasks-forbidden tool should not declare execution, got %+v", d.Execution)
	}

	opt := &compose.Tool{Descriptor: mcp.Tool{Name: "add"}, Tasks: tasks.Config{Mode: tasks.ModeOptional}}
	if d := opt.WireDescriptor(); d.Execution == nil || d.Execution.TaskSupport != "optional" {
		t.Fatalf("expected optional task support, got %+v", d.Execution)
	}

	req := &compose.Tool{Descriptor: mcp.Tool{Name: "add"}, Tasks: tasks.Config{Mode: tasks.ModeRequired}}
	if d := req.WireDescriptor(); d.Execution == nil || d.Execution.TaskSupport != "required" {
		t.Fatalf("expected required task support, got %+v", d.Execution)
	}
	// Stamping must not leak onto the registered descriptor.
	if req.Descriptor.Execution != nil {
		t.Fatal("WireDescriptor mutated the underlying descriptor")
	}
}

func TestComponentKeys(t *testing.T) {
	t.Parallel()

	tool := &compose.Tool{Descriptor: mcp.Tool{Name: "add"}}
	if tool.ComponentKey() != "tool:add" || tool.ComponentKind() != compose.KindTool {
		t.Fatalf("unexpected tool identity: %s %s", tool.ComponentKind(), tool.ComponentKey())
	}
	res := &compose.Resource{Descriptor: mcp.Resource{URI: "notes://db/1"}}
	if res.ComponentKey() != "resource:notes://db/1" {
		t.Fatalf("unexpected resource key %s", res.ComponentKey())
	}
	tpl := &compose.ResourceTemplate{Descriptor: mcp.ResourceTemplate{URITemplate: "notes://{b}/{id}"}}
	if tpl.ComponentKey() != "template:notes://{b}/{id}" {
		t.Fatalf("unexpected template key %s", tpl.ComponentKey())
	}
	prompt := compose.NewPrompt("greet", nil, compose.WithPromptTags("social"))
	if prompt.ComponentKey() != "prompt:greet" || len(prompt.ComponentTags()) != 1 {
		t.Fatalf("unexpected prompt identity: %s %v", prompt.ComponentKey(), prompt.ComponentTags())
	}
}

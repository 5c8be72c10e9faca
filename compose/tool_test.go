package compose_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mcpkit/compose-go/compose"
	"github.com/mcpkit/compose-go/mcp"
	"github.com/mcpkit/compose-go/sessions"
	"github.com/mcpkit/compose-go/tasks"
)

func TestNewToolDecodesTypedArgs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tool := sumTool("add", tasks.ModeForbidden)

	res, err := tool.Handler(ctx, testSession("s1"), callArgs(t, "add", addArgs{A: 2, B: 3}))
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if res.IsError || len(res.Content) != 1 || res.Content[0].Text != "5" {
		t.Fatalf("unexpected result %+v", res)
	}

	schema := tool.Descriptor.InputSchema
	if schema.Type != "object" {
		t.Fatalf("expected an object schema, got %q", schema.Type)
	}
	if _, ok := schema.Properties["a"]; !ok {
		t.Fatalf("schema should reflect field a, got %v", schema.Properties)
	}
	if _, ok := schema.Properties["b"]; !ok {
		t.Fatalf("schema should reflect field b, got %v", schema.Properties)
	}
	if schema.AdditionalProperties {
		t.Fatal("strict tools must reject unknown fields in the schema")
	}
	if len(schema.Required) != 2 {
		t.Fatalf("both fields should be required, got %v", schema.Required)
	}
}

func TestNewToolRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tool := sumTool("add", tasks.ModeForbidden)
	res, err := tool.Handler(ctx, testSession("s1"), &mcp.CallToolRequestReceived{
		Name:      "add",
		Arguments: []byte(`{"a":1,"b":2,"c":3}`),
	})
	if err != nil {
		t.Fatalf("schema violations surface as tool errors, not transport errors: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content[0].Text, "invalid arguments") {
		t.Fatalf("expected an invalid-arguments error result, got %+v", res)
	}
}

func TestNewToolAllowsAdditionalPropertiesWhenConfigured(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tool := compose.NewTool("add", func(_ context.Context, _ sessions.Session, w compose.ToolResponseWriter, r *compose.ToolRequest[addArgs]) error {
		return w.AppendText("ok")
	}, compose.WithToolAllowAdditionalProperties(true))

	if !tool.Descriptor.InputSchema.AdditionalProperties {
		t.Fatal("schema should advertise the relaxed policy")
	}
	res, err := tool.Handler(ctx, testSession("s1"), &mcp.CallToolRequestReceived{
		Name:      "add",
		Arguments: []byte(`{"a":1,"b":2,"extra":true}`),
	})
	if err != nil || res.IsError {
		t.Fatalf("relaxed tool should accept unknown fields: %v %+v", err, res)
	}
}

func TestNewToolWithOutputSetsStructuredContent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	type sumOut struct {
		Sum int `json:"sum"`
	}
	tool := compose.NewToolWithOutput("add", func(_ context.Context, _ sessions.Session, w compose.ToolResponseWriterTyped[sumOut], r *compose.ToolRequest[addArgs]) error {
		total := r.Args().A + r.Args().B
		w.SetStructured(sumOut{Sum: total})
		return w.AppendText("done")
	})

	if tool.Descriptor.OutputSchema == nil {
		t.Fatal("typed-output tools must advertise an output schema")
	}
	if _, ok := tool.Descriptor.OutputSchema.Properties["sum"]; !ok {
		t.Fatalf("output schema should reflect the sum field, got %v", tool.Descriptor.OutputSchema.Properties)
	}

	res, err := tool.Handler(ctx, testSession("s1"), callArgs(t, "add", addArgs{A: 2, B: 3}))
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if res.StructuredContent == nil {
		t.Fatal("expected structured content")
	}
	if got, ok := res.StructuredContent["sum"].(float64); !ok || got != 5 {
		t.Fatalf("expected sum 5, got %#v", res.StructuredContent["sum"])
	}
	if res.Content[0].Text != "done" {
		t.Fatalf("text blocks should survive alongside structured content: %+v", res.Content)
	}
}

func TestToolWriterRejectsWritesAfterResult(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var lateErr error
	tool := compose.NewTool("t", func(_ context.Context, _ sessions.Session, w compose.ToolResponseWriter, _ *compose.ToolRequest[struct{}]) error {
		if err := w.AppendText("first"); err != nil {
			return err
		}
		_ = w.Result()
		lateErr = w.AppendText("late")
		return nil
	})

	res, err := tool.Handler(ctx, testSession("s1"), &mcp.CallToolRequestReceived{Name: "t"})
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if !errors.Is(lateErr, compose.ErrFinalized) {
		t.Fatalf("expected ErrFinalized for a late write, got %v", lateErr)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "first" {
		t.Fatalf("late writes must not land, got %+v", res.Content)
	}
}

func TestToolWriterMeta(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tool := compose.NewTool("t", func(_ context.Context, _ sessions.Session, w compose.ToolResponseWriter, _ *compose.ToolRequest[struct{}]) error {
		w.SetMeta("trace", "abc123")
		return w.AppendText("ok")
	})

	res, err := tool.Handler(ctx, testSession("s1"), &mcp.CallToolRequestReceived{Name: "t"})
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if res.Meta["trace"] != "abc123" {
		t.Fatalf("expected writer meta on the result, got %+v", res.Meta)
	}
}

func TestToolWriterSendProgress(t *testing.T) {
	t.Parallel()

	type tick struct{ progress, total float64 }
	var ticks []tick
	ctx := compose.WithProgressReporter(context.Background(), compose.ProgressReporterFunc(func(_ context.Context, progress, total float64) error {
		ticks = append(ticks, tick{progress, total})
		return nil
	}))

	tool := compose.NewTool("t", func(_ context.Context, _ sessions.Session, w compose.ToolResponseWriter, _ *compose.ToolRequest[struct{}]) error {
		if err := w.SendProgress(1, 2); err != nil {
			return err
		}
		return w.AppendText("ok")
	})

	if _, err := tool.Handler(ctx, testSession("s1"), &mcp.CallToolRequestReceived{Name: "t"}); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if len(ticks) != 1 || ticks[0].progress != 1 || ticks[0].total != 2 {
		t.Fatalf("expected one progress tick, got %+v", ticks)
	}

	// Without an ambient reporter the call is a silent no-op.
	if _, err := tool.Handler(context.Background(), testSession("s1"), &mcp.CallToolRequestReceived{Name: "t"}); err != nil {
		t.Fatalf("handler without reporter failed: %v", err)
	}
}

func TestTypedTool(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tool := compose.TypedTool(mcp.Tool{Name: "add", Description: "adds"}, func(_ context.Context, _ sessions.Session, args addArgs) (*mcp.CallToolResult, error) {
		return compose.TextResult(strings.Repeat("x", args.A+args.B)), nil
	})
	if tool.Descriptor.Description != "adds" {
		t.Fatalf("descriptor should pass through, got %+v", tool.Descriptor)
	}

	res, err := tool.Handler(ctx, testSession("s1"), callArgs(t, "add", addArgs{A: 1, B: 2}))
	if err != nil || res.Content[0].Text != "xxx" {
		t.Fatalf("typed invocation failed: %v %+v", err, res)
	}

	res, err = tool.Handler(ctx, testSession("s1"), &mcp.CallToolRequestReceived{Name: "add", Arguments: []byte(`{"a":`)})
	if err != nil || !res.IsError {
		t.Fatalf("malformed args should produce an error result: %v %+v", err, res)
	}
}

func TestTextResultAndErrorf(t *testing.T) {
	t.Parallel()

	res := compose.TextResult("hi")
	if res.IsError || len(res.Content) != 1 || res.Content[0].Type != mcp.ContentTypeText || res.Content[0].Text != "hi" {
		t.Fatalf("unexpected text result %+v", res)
	}

	errRes := compose.Errorf("bad input %d", 7)
	if !errRes.IsError || errRes.Content[0].Text != "bad input 7" {
		t.Fatalf("unexpected error result %+v", errRes)
	}
}

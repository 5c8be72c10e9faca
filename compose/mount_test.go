package compose_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mcpkit/compose-go/compose"
	"github.com/mcpkit/compose-go/mcp"
	"github.com/mcpkit/compose-go/sessions"
	"github.com/mcpkit/compose-go/tasks"
)

func TestMountNamespacesAndForwards(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := testSession("s1")

	inner := compose.NewServer()
	inner.AddTool(sumTool("add", tasks.ModeForbidden))
	inner.AddResource(compose.NewResource("notes://db/1", "one", echoResource))
	inner.AddPrompt(compose.NewPrompt("greet", func(_ context.Context, _ sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error) {
		return &mcp.GetPromptResult{Messages: []mcp.PromptMessage{{
			Role:    mcp.RoleUser,
			Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "hi from " + req.Name}},
		}}}, nil
	}))

	outer := compose.NewServer()
	if err := outer.Mount(ctx, inner, compose.MountNamespace("team")); err != nil {
		t.Fatalf("mount failed: %v", err)
	}

	tools, err := outer.ListTools(ctx, sess, nil)
	if err != nil || len(tools.Items) != 1 || tools.Items[0].Name != "team_add" {
		t.Fatalf("expected [team_add], got %v %+v", err, tools.Items)
	}
	resources, err := outer.ListResources(ctx, sess, nil)
	if err != nil || len(resources.Items) != 1 || resources.Items[0].URI != "notes://team/db/1" {
		t.Fatalf("expected the prefixed URI, got %v %+v", err, resources.Items)
	}
	prompts, err := outer.ListPrompts(ctx, sess, nil)
	if err != nil || len(prompts.Items) != 1 || prompts.Items[0].Name != "team_greet" {
		t.Fatalf("expected [team_greet], got %v %+v", err, prompts.Items)
	}

	res, _, err := outer.CallTool(ctx, sess, callArgs(t, "team_add", addArgs{A: 2, B: 3}), nil)
	if err != nil || res.Content[0].Text != "5" {
		t.Fatalf("forwarded call failed: %v %+v", err, res)
	}

	read, _, err := outer.ReadResource(ctx, sess, "notes://team/db/1", nil)
	if err != nil {
		t.Fatalf("forwarded read failed: %v", err)
	}
	// The inner server serves its own identity.
	if read.Contents[0].Text != "contents of notes://db/1" {
		t.Fatalf("inner handler should see the inner URI, got %q", read.Contents[0].Text)
	}

	prompt, _, err := outer.GetPrompt(ctx, sess, &mcp.GetPromptRequestReceived{Name: "team_greet"}, nil)
	if err != nil || prompt.Messages[0].Content[0].Text != "hi from greet" {
		t.Fatalf("forwarded prompt failed: %v %+v", err, prompt)
	}
}

func TestMountHonorsInnerVisibility(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := testSession("s1")

	inner := compose.NewServer()
	inner.AddTool(textTool("add", "ok"))
	outer := compose.NewServer()
	if err := outer.Mount(ctx, inner, compose.MountNamespace("team")); err != nil {
		t.Fatalf("mount failed: %v", err)
	}

	tick := outer.ChangeNotifier(compose.KindTool).Subscriber()
	inner.Visibility().Disable(compose.DisableKeys("tool:add"))
	expectTick(t, tick, "inner visibility changes should reach outer watchers")

	tools, err := outer.ListTools(ctx, sess, nil)
	if err != nil || len(tools.Items) != 0 {
		t.Fatalf("hidden inner tool should not list: %v %+v", err, tools.Items)
	}

	var disabled *compose.DisabledError
	_, _, err = outer.CallTool(ctx, sess, &mcp.CallToolRequestReceived{Name: "team_add"}, nil)
	if !errors.As(err, &disabled) {
		t.Fatalf("expected *DisabledError, got %v", err)
	}
	if disabled.ID != "team_add" {
		t.Fatalf("disable must be reported under the public name, got %q", disabled.ID)
	}
}

func TestMountRenameShadowsNamespace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := testSession("s1")

	inner := compose.NewServer()
	inner.AddTool(textTool("add", "ok"))
	outer := compose.NewServer()
	err := outer.Mount(ctx, inner, compose.MountNamespace("team"), compose.MountRenameTool("add", "calc"))
	if err != nil {
		t.Fatalf("mount failed: %v", err)
	}

	tools, err := outer.ListTools(ctx, sess, nil)
	if err != nil || len(tools.Items) != 1 || tools.Items[0].Name != "calc" {
		t.Fatalf("expected [calc], got %v %+v", err, tools.Items)
	}
	if res, _, err := outer.CallTool(ctx, sess, &mcp.CallToolRequestReceived{Name: "calc"}, nil); err != nil || res.Content[0].Text != "ok" {
		t.Fatalf("renamed call failed: %v %+v", err, res)
	}

	var nf *compose.NotFoundError
	if _, _, err := outer.CallTool(ctx, sess, &mcp.CallToolRequestReceived{Name: "team_add"}, nil); !errors.As(err, &nf) {
		t.Fatalf("the namespaced spelling must stop resolving, got %v", err)
	}
}

func TestMountBackgroundTasksRunOnInnerKeyspace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := testSession("s1")

	backend := newTaskBackend(t)
	inner := compose.NewServer(compose.WithTaskDispatcher(backend.dispatcher))
	inner.AddTool(sumTool("add", tasks.ModeOptional))

	// The outer server has no dispatcher of its own: submission must happen
	// inside the inner server, under the inner keyspace.
	outer := compose.NewServer()
	if err := outer.Mount(ctx, inner, compose.MountNamespace("team")); err != nil {
		t.Fatalf("mount failed: %v", err)
	}
	backend.runner(t, tasks.ResolverChain(outer.TaskInvoker, inner.TaskInvoker))

	syncRes, _, err := outer.CallTool(ctx, sess, callArgs(t, "team_add", addArgs{A: 2, B: 3}), nil)
	if err != nil || syncRes.Content[0].Text != "5" {
		t.Fatalf("sync call failed: %v %+v", err, syncRes)
	}

	res, handle, err := outer.CallTool(ctx, sess, callArgs(t, "team_add", addArgs{A: 2, B: 3}), tasks.NewMeta(0))
	if err != nil || res != nil || handle == nil {
		t.Fatalf("task call should return a handle: %v %+v %+v", err, res, handle)
	}

	rec, err := backend.store.Get(ctx, sess.UserID(), sess.SessionID(), handle.TaskID)
	if err != nil {
		t.Fatalf("loading record: %v", err)
	}
	if rec.FnKey != "tool:add" {
		t.Fatalf("the inner server owns the fn key, got %q", rec.FnKey)
	}

	raw := waitTaskResult(t, backend.dispatcher, sess, handle.TaskID)
	want, err := json.Marshal(syncRes)
	if err != nil {
		t.Fatalf("encode sync result: %v", err)
	}
	if !bytes.Equal(raw, want) {
		t.Fatalf("replayed result diverged from the sync path:\n got %s\nwant %s", raw, want)
	}
}

func TestMountRequiresServer(t *testing.T) {
	t.Parallel()

	if _, err := compose.Mount(nil); err == nil {
		t.Fatal("expected an error for a nil server")
	}
}

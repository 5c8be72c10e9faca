package compose_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcpkit/compose-go/compose"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestFSResourcesListAndRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := testSession("s1")

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "alpha")
	writeFile(t, filepath.Join(dir, "sub", "b.txt"), "bravo")

	fsr := compose.NewFSResources(compose.WithOSDir(dir), compose.WithBaseURI("fs://ws"))

	ids := listIDs(t, fsr, compose.KindResource)
	if len(ids) != 2 || ids[0] != "fs://ws/a.txt" || ids[1] != "fs://ws/sub/b.txt" {
		t.Fatalf("expected a sorted listing, got %v", ids)
	}

	c, ok, err := fsr.Get(ctx, compose.KindResource, "fs://ws/sub/b.txt")
	if err != nil || !ok {
		t.Fatalf("get failed: %v %v", ok, err)
	}
	res := c.(*compose.Resource)
	if res.Descriptor.Name != "b.txt" {
		t.Fatalf("resource name should be the base name, got %q", res.Descriptor.Name)
	}
	read, err := res.Handler(ctx, sess, "fs://ws/sub/b.txt")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if read.Contents[0].Text != "bravo" || read.Contents[0].URI != "fs://ws/sub/b.txt" {
		t.Fatalf("unexpected contents %+v", read.Contents)
	}

	// The same provider plugs into a server like any other.
	s := compose.NewServer()
	if err := s.AddProvider(ctx, fsr); err != nil {
		t.Fatalf("add provider: %v", err)
	}
	page, err := s.ListResources(ctx, sess, nil)
	if err != nil || len(page.Items) != 2 {
		t.Fatalf("server listing failed: %v %+v", err, page.Items)
	}
	got, _, err := s.ReadResource(ctx, sess, "fs://ws/a.txt", nil)
	if err != nil || got.Contents[0].Text != "alpha" {
		t.Fatalf("server read failed: %v %+v", err, got)
	}

	// Only the resource catalogue is served.
	if comps, err := fsr.List(ctx, compose.KindTool); err != nil || comps != nil {
		t.Fatalf("expected no tools, got %v %v", comps, err)
	}
}

func TestFSResourcesBinaryContent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "raw.bin"), []byte{0xff, 0xfe, 0x00, 0x01}, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	fsr := compose.NewFSResources(compose.WithOSDir(dir), compose.WithBaseURI("fs://ws"))

	c, ok, err := fsr.Get(ctx, compose.KindResource, "fs://ws/raw.bin")
	if err != nil || !ok {
		t.Fatalf("get failed: %v %v", ok, err)
	}
	read, err := c.(*compose.Resource).Handler(ctx, testSession("s1"), "fs://ws/raw.bin")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if read.Contents[0].Text != "" || read.Contents[0].Blob == "" {
		t.Fatalf("binary data must be served as a blob, got %+v", read.Contents[0])
	}
}

func TestFSResourcesEscapesURISegments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sp ace.txt"), "spaced")
	fsr := compose.NewFSResources(compose.WithOSDir(dir), compose.WithBaseURI("fs://ws"))

	ids := listIDs(t, fsr, compose.KindResource)
	if len(ids) != 1 || ids[0] != "fs://ws/sp%20ace.txt" {
		t.Fatalf("expected an escaped URI, got %v", ids)
	}

	c, ok, err := fsr.Get(ctx, compose.KindResource, "fs://ws/sp%20ace.txt")
	if err != nil || !ok {
		t.Fatalf("escaped URI should round-trip: %v %v", ok, err)
	}
	read, err := c.(*compose.Resource).Handler(ctx, testSession("s1"), "fs://ws/sp%20ace.txt")
	if err != nil || read.Contents[0].Text != "spaced" {
		t.Fatalf("read failed: %v %+v", err, read)
	}
}

func TestFSResourcesRejectsTraversalAndSymlinkEscape(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "secret.txt"), "secret")

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ok.txt"), "fine")
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(dir, "leak.txt")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	fsr := compose.NewFSResources(compose.WithOSDir(dir), compose.WithBaseURI("fs://ws"))

	ids := listIDs(t, fsr, compose.KindResource)
	if len(ids) != 1 || ids[0] != "fs://ws/ok.txt" {
		t.Fatalf("symlinks must not list, got %v", ids)
	}

	if _, ok, err := fsr.Get(ctx, compose.KindResource, "fs://ws/leak.txt"); ok || err != nil {
		t.Fatalf("symlink escape must not resolve: %v %v", ok, err)
	}
	if _, ok, err := fsr.Get(ctx, compose.KindResource, "fs://ws/../ok.txt"); ok || err != nil {
		t.Fatalf("parent traversal must not resolve: %v %v", ok, err)
	}

	c, ok, err := fsr.Get(ctx, compose.KindResource, "fs://ws/ok.txt")
	if err != nil || !ok {
		t.Fatalf("in-root file should resolve: %v %v", ok, err)
	}
	var nf *compose.NotFoundError
	if _, err := c.(*compose.Resource).Handler(ctx, testSession("s1"), "fs://ws/leak.txt"); !errors.As(err, &nf) {
		t.Fatalf("reading through the symlink must miss, got %v", err)
	}
}

func TestFSResourcesWatchSignalsChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "one")

	fsr := compose.NewFSResources(
		compose.WithOSDir(dir),
		compose.WithBaseURI("fs://ws"),
		compose.WithUpdateDebounce(10*time.Millisecond),
	)
	catalogue := fsr.ChangeNotifier(compose.KindResource).Subscriber()

	if err := fsr.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := fsr.Start(ctx); err != nil {
		t.Fatalf("start should be idempotent: %v", err)
	}
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = fsr.Close(cctx)
	})

	// Wait out the watcher's startup signal so later ticks are attributable.
	expectTick(t, catalogue, "watch should signal once on startup")

	writeFile(t, filepath.Join(dir, "b.txt"), "two")
	expectTick(t, catalogue, "a new file is a membership change")

	updated := fsr.SubscriberForURI("fs://ws/a.txt")
	writeFile(t, filepath.Join(dir, "a.txt"), "one, revised")
	expectTick(t, updated, "a content change should signal the touched URI")

	if err := os.Remove(filepath.Join(dir, "b.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	expectTick(t, catalogue, "a removed file is a membership change")

	if fsr.ChangeNotifier(compose.KindTool) != nil {
		t.Fatal("only the resource catalogue ever signals")
	}
}

func TestFSResourcesPollingDetectsChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "one")

	fsr := compose.NewFSResources(
		compose.WithFS(os.DirFS(dir)),
		compose.WithBaseURI("fs://ws"),
		compose.WithPolling(20*time.Millisecond),
		compose.WithUpdateDebounce(0),
	)
	if err := fsr.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = fsr.Close(cctx)
	})

	catalogue := fsr.ChangeNotifier(compose.KindResource).Subscriber()
	updated := fsr.SubscriberForURI("fs://ws/a.txt")

	// Let the poller prime its first snapshot before mutating.
	time.Sleep(50 * time.Millisecond)

	writeFile(t, filepath.Join(dir, "b.txt"), "two")
	expectTick(t, catalogue, "polling should report a membership change")

	writeFile(t, filepath.Join(dir, "a.txt"), "one, but considerably longer than before")
	expectTick(t, updated, "polling should report content drift per URI")
	expectNoTick(t, catalogue, "content drift is not a membership change")
}

func TestFSResourcesRequiresAFilesystem(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fsr := compose.NewFSResources()
	if _, err := fsr.List(ctx, compose.KindResource); err == nil {
		t.Fatal("expected a listing error without a filesystem")
	}
	if err := fsr.Start(ctx); err == nil {
		t.Fatal("expected a start error without a filesystem")
	}
}

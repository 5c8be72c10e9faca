package compose

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/mcpkit/compose-go/mcp"
	"github.com/mcpkit/compose-go/sessions"
)

// FSResources serves a restricted slice of a filesystem as concrete resource
// components. It can wrap either an OS directory (preferred when you need to
// defend against symlink escape) or an arbitrary fs.FS such as embed.FS.
//
// Security: when rooted at an OS directory, reads resolve symlinks and are
// constrained to the resolved root. With a generic fs.FS, symlinks are not
// followed and parent traversal is rejected.
//
// The provider watches its root once started: membership changes (files added
// or removed) signal the resource ChangeNotifier, content changes signal the
// per-URI subscriber channels. OS roots use fsnotify; generic filesystems fall
// back to snapshot polling when an interval is configured.
type FSResources struct {
	// backing filesystem. When osRoot != "", fsys is os.DirFS(osRoot).
	fsys   fs.FS
	osRoot string

	baseURI        string
	tags           []string
	pollInterval   time.Duration
	updateDebounce time.Duration

	notifier ChangeNotifier

	mu               sync.Mutex
	stop             context.CancelFunc
	done             chan struct{}
	updatedNotifiers map[string]*ChangeNotifier
	debounceState    map[string]*debouncer
}

var (
	_ Provider      = (*FSResources)(nil)
	_ Lifecycle     = (*FSResources)(nil)
	_ ChangeWatcher = (*FSResources)(nil)
)

// FSOption configures FSResources.
type FSOption func(*FSResources)

// WithOSDir sets the root to an OS directory. The path must exist. Symlinks
// are resolved and reads are constrained to the resolved root.
func WithOSDir(root string) FSOption {
	return func(r *FSResources) {
		if !filepath.IsAbs(root) {
			if abs, err := filepath.Abs(root); err == nil {
				root = abs
			}
		}
		if real, err := filepath.EvalSymlinks(root); err == nil {
			root = real
		}
		r.osRoot = root
		r.fsys = os.DirFS(root)
	}
}

// WithFS provides a generic fs.FS (e.g. embed.FS). Parent traversal is
// rejected and symlinks are not followed. Change detection needs WithPolling
// since generic filesystems cannot be watched.
func WithFS(f fs.FS) FSOption { return func(r *FSResources) { r.fsys = f; r.osRoot = "" } }

// WithBaseURI sets the URI prefix used for served resources. It should carry
// a host segment, e.g. "fs://workspace". Defaults to "fs://workspace".
func WithBaseURI(base string) FSOption {
	return func(r *FSResources) { r.baseURI = strings.TrimRight(base, "/") }
}

// WithFSTags attaches filterable tags to every resource the provider serves.
func WithFSTags(tags ...string) FSOption {
	return func(r *FSResources) { r.tags = append(r.tags, tags...) }
}

// WithPolling enables change detection by snapshot polling at the given
// interval. Only needed for generic filesystems; OS roots are watched with
// fsnotify regardless. Defaults to disabled.
func WithPolling(interval time.Duration) FSOption {
	return func(r *FSResources) { r.pollInterval = interval }
}

// WithUpdateDebounce configures the per-URI update debounce interval.
// Set to 0 to disable debouncing.
func WithUpdateDebounce(d time.Duration) FSOption {
	return func(r *FSResources) { r.updateDebounce = d }
}

// NewFSResources constructs a filesystem-backed resource provider.
func NewFSResources(opts ...FSOption) *FSResources {
	r := &FSResources{
		baseURI:          "fs://workspace",
		updateDebounce:   250 * time.Millisecond,
		updatedNotifiers: make(map[string]*ChangeNotifier),
		debounceState:    make(map[string]*debouncer),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// List implements Provider. Only concrete resources are served; the listing
// is sorted by URI so pagination cursors stay stable across scans.
func (r *FSResources) List(ctx context.Context, kind Kind) ([]Component, error) {
	if kind != KindResource {
		return nil, nil
	}
	if r.fsys == nil {
		return nil, errors.New("no filesystem configured")
	}
	var out []Component
	err := fs.WalkDir(r.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort listing
		}
		if d.IsDir() || isSymlink(d) || !validFSPath(p) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out = append(out, r.componentFor(p))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComponentID() < out[j].ComponentID() })
	return out, nil
}

// Get implements Provider. The id is the resource URI; URIs outside the base
// prefix or not backed by a regular file are simply not served here.
func (r *FSResources) Get(ctx context.Context, kind Kind, id string) (Component, bool, error) {
	if kind != KindResource || r.fsys == nil {
		return nil, false, nil
	}
	rel, ok := r.uriToRel(id)
	if !ok || !r.isFile(rel) {
		return nil, false, nil
	}
	return r.componentFor(rel), true, nil
}

func (r *FSResources) componentFor(rel string) *Resource {
	opts := []ResourceOption{WithResourceTags(r.tags...)}
	if mt := mime.TypeByExtension(strings.ToLower(path.Ext(rel))); mt != "" {
		opts = append(opts, WithResourceMimeType(mt))
	}
	return NewResource(r.relToURI(rel), path.Base(rel), r.readFile, opts...)
}

// readFile is the shared handler behind every served resource.
func (r *FSResources) readFile(ctx context.Context, _ sessions.Session, uri string) (*mcp.ReadResourceResult, error) {
	if r.fsys == nil {
		return nil, &NotFoundError{Kind: KindResource, ID: uri}
	}
	rel, ok := r.uriToRel(uri)
	if !ok {
		return nil, &NotFoundError{Kind: KindResource, ID: uri}
	}

	if r.osRoot != "" {
		abs := filepath.Join(r.osRoot, filepath.FromSlash(rel))
		real, err := filepath.EvalSymlinks(abs)
		if err != nil || !within(real, r.osRoot) {
			return nil, &NotFoundError{Kind: KindResource, ID: uri}
		}
		// Read via the OS so the symlink-resolved view is what gets served.
		data, err := os.ReadFile(real)
		if err != nil {
			return nil, fmt.Errorf("read failed: %w", err)
		}
		mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(real)))
		return &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{contentsFor(uri, mt, data)}}, nil
	}

	if !validFSPath(rel) {
		return nil, &NotFoundError{Kind: KindResource, ID: uri}
	}
	data, err := fs.ReadFile(r.fsys, rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{Kind: KindResource, ID: uri}
		}
		return nil, fmt.Errorf("read failed: %w", err)
	}
	mt := mime.TypeByExtension(strings.ToLower(path.Ext(rel)))
	return &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{contentsFor(uri, mt, data)}}, nil
}

func contentsFor(uri, mimeType string, data []byte) mcp.ResourceContents {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if utf8.Valid(data) {
		return mcp.ResourceContents{URI: uri, MimeType: mimeType, Text: string(data)}
	}
	return mcp.ResourceContents{URI: uri, MimeType: mimeType, Blob: base64.StdEncoding.EncodeToString(data)}
}

// Start implements Lifecycle. It launches the watcher goroutine: fsnotify
// for OS roots, snapshot polling for generic filesystems with a configured
// interval. Without either, the provider serves reads but never signals
// changes. Start is idempotent.
func (r *FSResources) Start(ctx context.Context) error {
	if r.fsys == nil {
		return errors.New("no filesystem configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return nil
	}

	// The watcher outlives the startup call.
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	r.stop, r.done = cancel, done

	switch {
	case r.osRoot != "":
		go func() {
			defer close(done)
			r.watch(wctx)
		}()
	case r.pollInterval > 0:
		go func() {
			defer close(done)
			r.poll(wctx)
		}()
	default:
		close(done)
	}
	return nil
}

// Close implements Lifecycle. It stops the watcher, waits for it to drain
// and closes every notifier so downstream subscribers unblock.
func (r *FSResources) Close(ctx context.Context) error {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	updated := r.updatedNotifiers
	state := r.debounceState
	r.updatedNotifiers = make(map[string]*ChangeNotifier)
	r.debounceState = make(map[string]*debouncer)
	r.mu.Unlock()

	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, d := range state {
		d.cancel()
	}
	for _, n := range updated {
		n.Close()
	}
	r.notifier.Close()
	return nil
}

// ChangeNotifier implements ChangeWatcher. Only the resource catalogue ever
// signals.
func (r *FSResources) ChangeNotifier(kind Kind) *ChangeNotifier {
	if kind != KindResource {
		return nil
	}
	return &r.notifier
}

// SubscriberForURI returns a channel that ticks when the given URI's content
// changes. It bridges watcher signals to per-resource update notifications.
func (r *FSResources) SubscriberForURI(uri string) <-chan struct{} {
	r.mu.Lock()
	n := r.updatedNotifiers[uri]
	if n == nil {
		n = &ChangeNotifier{}
		r.updatedNotifiers[uri] = n
	}
	r.mu.Unlock()
	return n.Subscriber()
}

// watch follows the OS directory tree with fsnotify. Adds and removes signal
// a catalogue change; writes signal the touched URI. Editors that save by
// rename surface as Create, so file creation signals both.
func (r *FSResources) watch(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("fsnotify unavailable", slog.String("err", err.Error()))
		return
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = w.Close()
	}()

	// Watch every directory under the root. fsnotify is not recursive.
	addDirs := func(root string) {
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			return w.Add(p)
		})
		if err != nil {
			slog.Debug("fsnotify add dirs failed", slog.String("err", err.Error()))
		}
	}
	addDirs(r.osRoot)

	// One signal on startup normalizes whatever happened before watching.
	_ = r.notifier.Notify(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					addDirs(ev.Name)
					_ = r.notifier.Notify(ctx)
					continue
				}
				_ = r.notifier.Notify(ctx)
				if uri, ok := r.osPathToURI(ev.Name); ok {
					r.markUpdated(uri)
				}
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// Watches on removed directories are dropped automatically.
				_ = r.notifier.Notify(ctx)
			}
			if ev.Op&fsnotify.Write != 0 {
				if uri, ok := r.osPathToURI(ev.Name); ok {
					r.markUpdated(uri)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Debug("fsnotify error", slog.String("err", err.Error()))
		}
	}
}

// poll diffs walk snapshots at the configured interval. Membership changes
// signal the catalogue notifier; size or mtime drift on a surviving file
// signals that file's URI.
func (r *FSResources) poll(ctx context.Context) {
	last, _ := r.snapshot(ctx)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur, err := r.snapshot(ctx)
			if err != nil {
				continue
			}
			membership := false
			for p, meta := range cur {
				prev, ok := last[p]
				if !ok {
					membership = true
					continue
				}
				if !prev.eq(meta) {
					r.markUpdated(r.relToURI(p))
				}
			}
			for p := range last {
				if _, ok := cur[p]; !ok {
					membership = true
				}
			}
			last = cur
			if membership {
				_ = r.notifier.Notify(ctx)
			}
		}
	}
}

// snapshot maps every visible file path to its size and mtime.
func (r *FSResources) snapshot(ctx context.Context) (map[string]fileMeta, error) {
	rows := make(map[string]fileMeta)
	err := fs.WalkDir(r.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable nodes
		}
		if d.IsDir() || isSymlink(d) || !validFSPath(p) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var meta fileMeta
		if info, e := d.Info(); e == nil {
			meta = fileMeta{size: info.Size(), mod: info.ModTime()}
		}
		rows[p] = meta
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

type fileMeta struct {
	size int64
	mod  time.Time
}

func (a fileMeta) eq(b fileMeta) bool { return a.size == b.size && a.mod.Equal(b.mod) }

// markUpdated triggers a debounced update signal for a specific URI.
func (r *FSResources) markUpdated(uri string) {
	r.mu.Lock()
	db, ok := r.debounceState[uri]
	if !ok {
		n := r.updatedNotifiers[uri]
		if n == nil {
			n = &ChangeNotifier{}
			r.updatedNotifiers[uri] = n
		}
		db = &debouncer{
			interval: r.updateDebounce,
			fire:     func() { _ = n.Notify(context.Background()) },
		}
		r.debounceState[uri] = db
	}
	r.mu.Unlock()
	db.trigger()
}

// isFile reports whether rel names a regular file inside the allowed root.
func (r *FSResources) isFile(rel string) bool {
	if r.osRoot != "" {
		abs := filepath.Join(r.osRoot, filepath.FromSlash(rel))
		real, err := filepath.EvalSymlinks(abs)
		if err != nil || !within(real, r.osRoot) {
			return false
		}
		st, err := os.Stat(real)
		return err == nil && st.Mode().IsRegular()
	}
	if !validFSPath(rel) {
		return false
	}
	info, err := fs.Stat(r.fsys, rel)
	return err == nil && info.Mode().IsRegular()
}

func (r *FSResources) relToURI(rel string) string {
	// rel uses '/' separators. Encode each segment for safety.
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return r.baseURI + "/" + strings.Join(segs, "/")
}

func (r *FSResources) uriToRel(uri string) (string, bool) {
	base := r.baseURI + "/"
	p, ok := strings.CutPrefix(uri, base)
	if !ok {
		return "", false
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		dec, err := url.PathUnescape(s)
		if err != nil {
			return "", false
		}
		segs[i] = dec
	}
	rel := path.Clean(strings.Join(segs, "/"))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

// osPathToURI converts a watcher event path back into a served URI, dropping
// anything that escapes the root.
func (r *FSResources) osPathToURI(name string) (string, bool) {
	if abs, err := filepath.Abs(name); err == nil {
		name = abs
	}
	if !within(name, r.osRoot) {
		return "", false
	}
	rel, err := filepath.Rel(r.osRoot, name)
	if err != nil {
		return "", false
	}
	return r.relToURI(filepath.ToSlash(rel)), true
}

func isSymlink(d fs.DirEntry) bool {
	if d == nil {
		return false
	}
	if d.Type()&fs.ModeSymlink != 0 {
		return true
	}
	// Some FS don't set Type; fall back to Info.
	if info, err := d.Info(); err == nil {
		return info.Mode()&fs.ModeSymlink != 0
	}
	return false
}

func validFSPath(p string) bool {
	// fs.ValidPath requires clean, no leading slash, no ".." segments.
	if !fs.ValidPath(p) {
		return false
	}
	// Reject Windows volume roots and anything scheme-shaped.
	return !strings.Contains(p, ":")
}

// within reports whether target is root itself or a descendant of root.
func within(target, root string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)) && !strings.HasPrefix(rel, "../")
}

type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	pending  bool
	interval time.Duration
	fire     func()
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.interval <= 0 {
		d.fire()
		return
	}
	if d.pending {
		return
	}
	d.pending = true
	if d.timer == nil {
		d.timer = time.AfterFunc(d.interval, d.flush)
	} else {
		d.timer.Reset(d.interval)
	}
}

func (d *debouncer) flush() {
	d.mu.Lock()
	d.pending = false
	d.mu.Unlock()
	d.fire()
}

func (d *debouncer) cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
}

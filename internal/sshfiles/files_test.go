package sshfiles

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DEVXIX/dev-ssh-sub000/internal/remote"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sessions"
	"github.com/pkg/sftp"
)

type stubTransport struct {
	done chan struct{}
	once sync.Once
}

func (t *stubTransport) Kind() remote.Kind     { return remote.KindSSH }
func (t *stubTransport) Done() <-chan struct{} { return t.done }
func (t *stubTransport) Err() error            { return nil }
func (t *stubTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

type stubBackend struct{}

func (stubBackend) Dial(context.Context, remote.Credentials) (remote.Transport, error) {
	return &stubTransport{done: make(chan struct{})}, nil
}

func newTestSession(t *testing.T) (*sessions.Registry, *sessions.Session) {
	t.Helper()
	reg := sessions.NewRegistry(stubBackend{}, nil)
	s, err := reg.Create(context.Background(), "u", "c", remote.Credentials{Kind: remote.KindSSH})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(reg.CloseAll)
	return reg, s
}

type fakeInfo struct {
	name string
	size int64
	mode os.FileMode
	mod  time.Time
	uid  uint32
	gid  uint32
}

func (f fakeInfo) Name() string       { return f.name }
func (f fakeInfo) Size() int64        { return f.size }
func (f fakeInfo) Mode() os.FileMode  { return f.mode }
func (f fakeInfo) ModTime() time.Time { return f.mod }
func (f fakeInfo) IsDir() bool        { return f.mode.IsDir() }
func (f fakeInfo) Sys() any           { return &sftp.FileStat{UID: f.uid, GID: f.gid} }

// fakeChannel records the calls it receives.
type fakeChannel struct {
	mu      sync.Mutex
	calls   []string
	files   map[string]string
	dirs    map[string][]os.FileInfo
	closed  atomic.Int32
	readErr error
	active  atomic.Int32
	overlap atomic.Bool
}

func newFakeChannel() *fakeChannel {
	mod := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	return &fakeChannel{
		files: map[string]string{"/a/notes.txt": "hello"},
		dirs: map[string][]os.FileInfo{
			"/a": {
				fakeInfo{name: "notes.txt", size: 5, mode: 0o644, mod: mod, uid: 1000, gid: 1000},
				fakeInfo{name: "sub", size: 4096, mode: os.ModeDir | 0o755, mod: mod},
				fakeInfo{name: "link", size: 7, mode: os.ModeSymlink | 0o777, mod: mod},
			},
			"/": {fakeInfo{name: "a", mode: os.ModeDir | 0o755, mod: mod}},
		},
	}
}

func (f *fakeChannel) record(call string) {
	if f.active.Add(1) > 1 {
		f.overlap.Store(true)
	}
	time.Sleep(time.Millisecond)
	f.active.Add(-1)
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeChannel) ReadDir(p string) ([]os.FileInfo, error) {
	f.record("readdir " + p)
	if entries, ok := f.dirs[p]; ok {
		return entries, nil
	}
	return nil, os.ErrNotExist
}

func (f *fakeChannel) Open(p string) (io.ReadCloser, error) {
	f.record("open " + p)
	if f.readErr != nil {
		return nil, f.readErr
	}
	content, ok := f.files[p]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

type bufWriter struct {
	f    *fakeChannel
	path string
	sb   strings.Builder
}

func (w *bufWriter) Write(p []byte) (int, error) { return w.sb.Write(p) }
func (w *bufWriter) Close() error {
	w.f.mu.Lock()
	w.f.files[w.path] = w.sb.String()
	w.f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Create(p string) (io.WriteCloser, error) {
	f.record("create " + p)
	return &bufWriter{f: f, path: p}, nil
}

func (f *fakeChannel) Remove(p string) error          { f.record("remove " + p); return nil }
func (f *fakeChannel) RemoveDirectory(p string) error { f.record("rmdir " + p); return nil }
func (f *fakeChannel) Rename(o, n string) error       { f.record("rename " + o + " " + n); return nil }
func (f *fakeChannel) Mkdir(p string) error           { f.record("mkdir " + p); return nil }
func (f *fakeChannel) Close() error                   { f.closed.Add(1); return nil }

func (f *fakeChannel) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func fakeOpener(ch *fakeChannel, opens *atomic.Int32) OpenFunc {
	return func(ctx context.Context, s *sessions.Session) (Channel, error) {
		opens.Add(1)
		time.Sleep(20 * time.Millisecond)
		return ch, nil
	}
}

func TestList_Entries(t *testing.T) {
	_, s := newTestSession(t)
	var opens atomic.Int32
	m := NewManager(fakeOpener(newFakeChannel(), &opens), 0)

	entries, err := m.List(context.Background(), s, "/a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []Entry{
		{Name: "notes.txt", Path: "/a/notes.txt", Type: TypeFile, Permissions: "644", Size: 5, ModifiedAt: "2026-03-04T05:06:07Z", UID: 1000, GID: 1000},
		{Name: "sub", Path: "/a/sub", Type: TypeDirectory, Permissions: "755", Size: 4096, ModifiedAt: "2026-03-04T05:06:07Z"},
		{Name: "link", Path: "/a/link", Type: TypeSymlink, Permissions: "777", Size: 7, ModifiedAt: "2026-03-04T05:06:07Z"},
	}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, entries[i], want[i])
		}
	}
}

func TestList_TrailingSlashNormalized(t *testing.T) {
	_, s := newTestSession(t)
	var opens atomic.Int32
	m := NewManager(fakeOpener(newFakeChannel(), &opens), 0)

	for _, tc := range []struct{ a, b string }{
		{"/a", "/a/"},
		{"/a", "//a//"},
		{"/", "/"},
	} {
		x, err := m.List(context.Background(), s, tc.a)
		if err != nil {
			t.Fatalf("List(%q): %v", tc.a, err)
		}
		y, err := m.List(context.Background(), s, tc.b)
		if err != nil {
			t.Fatalf("List(%q): %v", tc.b, err)
		}
		for i := range x {
			if x[i].Path != y[i].Path {
				t.Errorf("List(%q)[%d].Path = %q, List(%q) = %q", tc.a, i, x[i].Path, tc.b, y[i].Path)
			}
			if strings.Contains(y[i].Path, "//") {
				t.Errorf("doubled separator in %q", y[i].Path)
			}
		}
	}
}

func TestSideChannel_SingleFlight(t *testing.T) {
	_, s := newTestSession(t)
	var opens atomic.Int32
	ch := newFakeChannel()
	m := NewManager(fakeOpener(ch, &opens), 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.List(context.Background(), s, "/a"); err != nil {
				t.Errorf("List: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := opens.Load(); n != 1 {
		t.Errorf("side channel opened %d times, want 1", n)
	}
	if ch.overlap.Load() {
		t.Error("operations on one side channel overlapped")
	}
	if s.SideChannel() == nil {
		t.Error("side channel not cached on session")
	}
}

func TestSideChannel_CancelledCallerDoesNotFailOthers(t *testing.T) {
	_, s := newTestSession(t)
	ch := newFakeChannel()
	started := make(chan struct{})
	var opens atomic.Int32
	m := NewManager(func(ctx context.Context, _ *sessions.Session) (Channel, error) {
		opens.Add(1)
		close(started)
		select {
		case <-time.After(200 * time.Millisecond):
			return ch, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, 0)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.List(firstCtx, s, "/a")
		firstErr <- err
	}()
	<-started

	secondErr := make(chan error, 1)
	go func() {
		_, err := m.List(context.Background(), s, "/a")
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancelFirst()

	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller err = %v, want context.Canceled", err)
	}
	if err := <-secondErr; err != nil {
		t.Fatalf("second caller failed with the first caller's cancellation: %v", err)
	}
	if n := opens.Load(); n != 1 {
		t.Errorf("side channel opened %d times, want 1", n)
	}
	if s.SideChannel() == nil {
		t.Error("side channel not cached after shared open")
	}
}

func TestSideChannel_OpenTimeout(t *testing.T) {
	_, s := newTestSession(t)
	m := NewManager(func(ctx context.Context, _ *sessions.Session) (Channel, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 0)
	m.OpenTimeout = 20 * time.Millisecond

	_, err := m.List(context.Background(), s, "/a")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestSideChannel_ClosedOnDestroy(t *testing.T) {
	reg, s := newTestSession(t)
	var opens atomic.Int32
	ch := newFakeChannel()
	m := NewManager(fakeOpener(ch, &opens), 0)

	if _, err := m.ReadFile(context.Background(), s, "/a/notes.txt"); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	reg.Destroy(s.ID)
	if n := ch.closed.Load(); n != 1 {
		t.Errorf("side channel closed %d times, want 1", n)
	}
}

func TestSideChannel_SessionDestroyedDuringOpen(t *testing.T) {
	reg, s := newTestSession(t)
	ch := newFakeChannel()
	m := NewManager(func(ctx context.Context, sess *sessions.Session) (Channel, error) {
		reg.Destroy(sess.ID)
		return ch, nil
	}, 0)

	_, err := m.List(context.Background(), s, "/a")
	if !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if n := ch.closed.Load(); n != 1 {
		t.Errorf("orphaned channel closed %d times, want 1", n)
	}
}

func TestSideChannel_OpenFailure(t *testing.T) {
	_, s := newTestSession(t)
	m := NewManager(func(context.Context, *sessions.Session) (Channel, error) {
		return nil, errors.New("subsystem request failed")
	}, 0)

	err := m.Mkdir(context.Background(), s, "/x")
	var chErr *ChannelError
	if !errors.As(err, &chErr) {
		t.Fatalf("err = %v, want *ChannelError", err)
	}
	if chErr.Op != "mkdir" || chErr.Path != "/x" {
		t.Errorf("ChannelError = %+v", chErr)
	}
}

func TestSideChannel_BrokenChannelIsReopened(t *testing.T) {
	_, s := newTestSession(t)
	var opens atomic.Int32
	ch := newFakeChannel()
	ch.readErr = sftp.ErrSSHFxConnectionLost
	m := NewManager(fakeOpener(ch, &opens), 0)

	if _, err := m.ReadFile(context.Background(), s, "/a/notes.txt"); err == nil {
		t.Fatal("expected error")
	}
	if s.SideChannel() != nil {
		t.Fatal("broken side channel still cached")
	}

	ch.readErr = nil
	if _, err := m.ReadFile(context.Background(), s, "/a/notes.txt"); err != nil {
		t.Fatalf("ReadFile after reopen: %v", err)
	}
	if n := opens.Load(); n != 2 {
		t.Errorf("opens = %d, want 2", n)
	}
}

func TestReadWriteFile(t *testing.T) {
	_, s := newTestSession(t)
	var opens atomic.Int32
	m := NewManager(fakeOpener(newFakeChannel(), &opens), 0)
	ctx := context.Background()

	if err := m.WriteFile(ctx, s, "/a/new.txt", "héllo, wörld"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := m.ReadFile(ctx, s, "/a/new.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got != "héllo, wörld" {
		t.Errorf("ReadFile = %q", got)
	}
}

func TestReadFile_TooLarge(t *testing.T) {
	_, s := newTestSession(t)
	var opens atomic.Int32
	ch := newFakeChannel()
	ch.files["/big"] = strings.Repeat("x", 64)
	m := NewManager(fakeOpener(ch, &opens), 32)

	_, err := m.ReadFile(context.Background(), s, "/big")
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	if s.SideChannel() == nil {
		t.Error("size limit should not drop the side channel")
	}
}

func TestReadFile_NotFound(t *testing.T) {
	_, s := newTestSession(t)
	var opens atomic.Int32
	m := NewManager(fakeOpener(newFakeChannel(), &opens), 0)

	_, err := m.ReadFile(context.Background(), s, "/missing")
	var chErr *ChannelError
	if !errors.As(err, &chErr) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ChannelError wrapping ErrNotExist", err)
	}
}

func TestDelete_UsesCallerFlag(t *testing.T) {
	_, s := newTestSession(t)
	var opens atomic.Int32
	ch := newFakeChannel()
	m := NewManager(fakeOpener(ch, &opens), 0)
	ctx := context.Background()

	if err := m.Delete(ctx, s, "/a/sub/", true); err != nil {
		t.Fatal(err)
	}
	if got := ch.lastCall(); got != "rmdir /a/sub" {
		t.Errorf("call = %q, want rmdir /a/sub", got)
	}
	if err := m.Delete(ctx, s, "/a/notes.txt", false); err != nil {
		t.Fatal(err)
	}
	if got := ch.lastCall(); got != "remove /a/notes.txt" {
		t.Errorf("call = %q, want remove /a/notes.txt", got)
	}
	if err := m.Delete(ctx, s, "/", true); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Delete(/) = %v, want ErrInvalidPath", err)
	}
}

func TestRenameAndMkdir(t *testing.T) {
	_, s := newTestSession(t)
	var opens atomic.Int32
	ch := newFakeChannel()
	m := NewManager(fakeOpener(ch, &opens), 0)
	ctx := context.Background()

	if err := m.Rename(ctx, s, "/a/notes.txt", "/a/sub//notes.txt"); err != nil {
		t.Fatal(err)
	}
	if got := ch.lastCall(); got != "rename /a/notes.txt /a/sub/notes.txt" {
		t.Errorf("call = %q", got)
	}
	if err := m.Mkdir(ctx, s, "/a/new/"); err != nil {
		t.Fatal(err)
	}
	if got := ch.lastCall(); got != "mkdir /a/new" {
		t.Errorf("call = %q", got)
	}
}

func TestInvalidPaths(t *testing.T) {
	_, s := newTestSession(t)
	var opens atomic.Int32
	m := NewManager(fakeOpener(newFakeChannel(), &opens), 0)
	ctx := context.Background()

	for _, p := range []string{"", "/a\x00b"} {
		if _, err := m.List(ctx, s, p); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("List(%q) = %v, want ErrInvalidPath", p, err)
		}
	}
	if err := m.Rename(ctx, s, "/a", ""); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Rename to empty = %v", err)
	}
	if opens.Load() != 0 {
		t.Error("invalid paths should not open a side channel")
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/", "/"},
		{"/a", "/a"},
		{"/a/", "/a"},
		{"/a//b/", "/a/b"},
		{"/a/./b", "/a/b"},
		{"rel/dir/", "rel/dir"},
	}
	for _, tt := range tests {
		got, err := normalizePath(tt.in)
		if err != nil {
			t.Errorf("normalizePath(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestChannelErrorMessage(t *testing.T) {
	err := &ChannelError{Op: "read", Path: "/etc/shadow", Err: os.ErrPermission}
	if got := err.Error(); got != "read /etc/shadow: permission denied" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, os.ErrPermission) {
		t.Error("ChannelError should unwrap to its cause")
	}
}

// Package transportstest provides an in-memory transports.Transport for
// tests: commands are answered from scripted handlers and files live in a
// map.
package transportstest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"path"
	"sort"
	"strings"
	"sync"
	"testing/fstest"
	"time"

	"github.com/openfroyo/podform/pkg/transports"
)

// Reply is a scripted command outcome.
type Reply struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Handler answers a command.
type Handler func(cmd transports.Command) Reply

type route struct {
	prefix  string
	handler Handler
}

// Fake is a scripted transport. The zero value is not usable; call New.
type Fake struct {
	mu     sync.Mutex
	routes []route
	calls  []transports.Command
	files  fstest.MapFS

	// Root makes Privileged report true.
	Root bool

	// Dial answers DialContext; without it dialing fails.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

var _ transports.Transport = (*Fake)(nil)

// New creates an empty fake transport running as root.
func New() *Fake {
	return &Fake{files: fstest.MapFS{}, Root: true}
}

// On answers commands whose rendered form starts with prefix. Later
// registrations take precedence, so a test can override a default.
func (f *Fake) On(prefix string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, route{prefix: prefix, handler: h})
	return f
}

// Reply answers commands starting with prefix with a fixed output.
func (f *Fake) Reply(prefix, stdout string, exitCode int) *Fake {
	return f.On(prefix, func(transports.Command) Reply { return Reply{Stdout: stdout, ExitCode: exitCode} })
}

// Calls returns the commands run so far, rendered with their user.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = render(c)
	}
	return out
}

// Ran reports whether a command starting with prefix was run.
func (f *Fake) Ran(prefix string) bool {
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// render prefixes commands run as another user with "<user>: ".
func render(cmd transports.Command) string {
	if cmd.User != "" {
		return cmd.User + ": " + cmd.String()
	}
	return cmd.String()
}

// Run answers from the most recently registered matching handler. Unmatched
// commands exit 127.
func (f *Fake) Run(ctx context.Context, cmd transports.Command) (*transports.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &transports.TransportError{Op: "exec", Err: err}
	}

	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	var h Handler
	line := cmd.String()
	for i := len(f.routes) - 1; i >= 0; i-- {
		if strings.HasPrefix(line, f.routes[i].prefix) {
			h = f.routes[i].handler
			break
		}
	}
	f.mu.Unlock()

	res := &transports.Result{}
	if h == nil {
		res.ExitCode = 127
		res.Stderr = fmt.Sprintf("%s: command not found", cmd.Name)
	} else {
		r := h(cmd)
		res.Stdout = strings.TrimSpace(r.Stdout)
		res.Stderr = strings.TrimSpace(r.Stderr)
		res.ExitCode = r.ExitCode
	}

	if res.ExitCode != 0 {
		return res, &transports.ExitError{Command: line, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

func key(name string) string {
	return strings.TrimPrefix(path.Clean(name), "/")
}

// SetFile stores a file.
func (f *Fake) SetFile(name string, data []byte, perm fs.FileMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[key(name)] = &fstest.MapFile{Data: data, Mode: perm, ModTime: time.Now()}
}

// File returns a stored file's content.
func (f *Fake) File(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mf, ok := f.files[key(name)]
	if !ok || mf.Mode.IsDir() {
		return nil, false
	}
	return mf.Data, true
}

// Files lists stored file names, sorted.
func (f *Fake) Files() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name, mf := range f.files {
		if !mf.Mode.IsDir() {
			names = append(names, "/"+name)
		}
	}
	sort.Strings(names)
	return names
}

func (f *Fake) ReadFile(_ context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fs.ReadFile(f.files, key(name))
}

func (f *Fake) WriteFile(_ context.Context, name string, data []byte, perm fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mf, ok := f.files[key(name)]; ok && mf.Mode.IsDir() {
		return &fs.PathError{Op: "write", Path: name, Err: errors.New("is a directory")}
	}
	f.files[key(name)] = &fstest.MapFile{Data: append([]byte(nil), data...), Mode: perm, ModTime: time.Now()}
	return nil
}

func (f *Fake) Stat(_ context.Context, name string) (fs.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fs.Stat(f.files, key(name))
}

func (f *Fake) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[key(name)]; !ok {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrNotExist}
	}
	delete(f.files, key(name))
	return nil
}

func (f *Fake) MkdirAll(_ context.Context, name string, perm fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for dir := key(name); dir != "." && dir != ""; dir = path.Dir(dir) {
		if _, ok := f.files[dir]; !ok {
			f.files[dir] = &fstest.MapFile{Mode: fs.ModeDir | perm, ModTime: time.Now()}
		}
	}
	return nil
}

func (f *Fake) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if f.Dial == nil {
		return nil, &transports.TransportError{Op: "dial", Err: fmt.Errorf("%s %s: connection refused", network, addr)}
	}
	return f.Dial(ctx, network, addr)
}

func (f *Fake) Privileged() bool {
	return f.Root
}

func (f *Fake) Close() error {
	return nil
}

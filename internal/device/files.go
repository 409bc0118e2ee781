package device

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/peterje/devrepl/internal/webrepl"
)

const (
	modeDir = 0x4000

	tracebackHeader = "Traceback (most recent call last):"
)

// listScript prints the working directory, then "<st_mode> <st_size> <name>"
// per entry.
const listScript = `import os
print(os.getcwd())
for n in os.listdir():
    s=os.stat(n); print(s[0], s[6], n)`

var ErrBadListing = errors.New("malformed directory listing")

// RemoteError is an exception raised by code running on the device.
type RemoteError struct {
	// Kind is the exception class, such as "OSError".
	Kind    string
	Message string
	Output  string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

type Entry struct {
	Name string
	Size int64
	Dir  bool
}

type Listing struct {
	Cwd     string
	Entries []Entry
}

// ListDir lists the device's working directory. Directories sort first.
func (m *Manager) ListDir(ctx context.Context) (Listing, error) {
	out, err := m.run(ctx, listScript)
	if err != nil {
		return Listing{}, fmt.Errorf("list dir: %w", err)
	}
	return parseListing(out)
}

func parseListing(out string) (Listing, error) {
	lines := strings.Split(out, "\n")
	if len(lines) == 0 || lines[0] == "" {
		return Listing{}, fmt.Errorf("%w: missing working directory", ErrBadListing)
	}
	l := Listing{Cwd: lines[0], Entries: []Entry{}}
	for _, line := range lines[1:] {
		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 || fields[2] == "" {
			return Listing{}, fmt.Errorf("%w: %q", ErrBadListing, line)
		}
		mode, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return Listing{}, fmt.Errorf("%w: mode in %q", ErrBadListing, line)
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return Listing{}, fmt.Errorf("%w: size in %q", ErrBadListing, line)
		}
		l.Entries = append(l.Entries, Entry{
			Name: fields[2],
			Size: size,
			Dir:  mode&modeDir != 0,
		})
	}
	sort.Slice(l.Entries, func(i, j int) bool {
		a, b := l.Entries[i], l.Entries[j]
		if a.Dir != b.Dir {
			return a.Dir
		}
		return a.Name < b.Name
	})
	return l, nil
}

// Cwd returns the device working directory.
func (m *Manager) Cwd(ctx context.Context) (string, error) {
	out, err := m.run(ctx, "import os\nprint(os.getcwd())")
	if err != nil {
		return "", fmt.Errorf("cwd: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (m *Manager) ChangeDir(ctx context.Context, dir string) error {
	if _, err := m.run(ctx, "import os\nos.chdir("+pyQuote(dir)+")"); err != nil {
		return fmt.Errorf("cd %s: %w", dir, err)
	}
	return nil
}

func (m *Manager) Remove(ctx context.Context, p string) error {
	if _, err := m.run(ctx, "import os\nos.remove("+pyQuote(p)+")"); err != nil {
		return fmt.Errorf("rm %s: %w", p, err)
	}
	return nil
}

// Help returns the device's help() text for expr.
func (m *Manager) Help(ctx context.Context, expr string) (string, error) {
	return m.run(ctx, "help(("+expr+"))")
}

// JoinPath resolves name against the device working directory cwd.
func JoinPath(cwd, name string) string {
	if path.IsAbs(name) {
		return path.Clean(name)
	}
	if cwd == "" {
		cwd = "/"
	}
	return path.Join(cwd, name)
}

// run executes source without recording it. Output ending in a traceback
// becomes a RemoteError.
func (m *Manager) run(ctx context.Context, source string) (string, error) {
	var out string
	err := m.Do(ctx, func(ctx context.Context, s *webrepl.Session) error {
		var err error
		out, err = s.ExecuteCode(ctx, source)
		return err
	})
	if err != nil {
		return "", err
	}
	if rerr := parseTraceback(out); rerr != nil {
		return "", rerr
	}
	return out, nil
}

// parseTraceback finds a device exception in out. The last line of a
// traceback is "Kind: message".
func parseTraceback(out string) *RemoteError {
	i := strings.Index(out, tracebackHeader)
	if i < 0 {
		return nil
	}
	lines := strings.Split(strings.TrimRight(out[i:], "\n"), "\n")
	last := lines[len(lines)-1]
	kind, msg, _ := strings.Cut(last, ":")
	return &RemoteError{
		Kind:    strings.TrimSpace(kind),
		Message: strings.TrimSpace(msg),
		Output:  out,
	}
}

// pyQuote renders s as a single-quoted Python string literal.
func pyQuote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`)
	return "'" + r.Replace(s) + "'"
}

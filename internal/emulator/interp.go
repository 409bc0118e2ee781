package emulator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// Evaluator runs source on the emulated device and returns its output
// lines. interactive is true for statements typed at the normal prompt,
// where bare expression values are echoed.
type Evaluator interface {
	Eval(ctx context.Context, source string, interactive bool) []string
}

const (
	modeDir  = 0x4000
	modeFile = 0x8000
)

type value = any

type tuple []value

// builtin is a callable exposed to expressions.
type builtin func(args ...value) (value, error)

// module maps attribute names to values. Its name is stored under
// moduleName.
type module map[string]value

const moduleName = "__name__"

type pyError struct {
	kind string
	msg  string
}

func (e *pyError) Error() string { return e.kind + ": " + e.msg }

func raise(kind, format string, args ...any) error {
	return &pyError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Interp is a very small Python subset over an afero filesystem: imports,
// assignment, print, for/while/if blocks, arithmetic and the os helpers a
// file browser needs.
type Interp struct {
	fs       afero.Fs
	cwd      string
	vars     map[string]value
	modules  map[string]module
	programs map[string]*compiled
	out      []string
	// raised is the exception a builtin failed with during the current
	// expression.
	raised *pyError
}

func NewInterp(fsys afero.Fs) *Interp {
	in := &Interp{
		fs:       fsys,
		cwd:      "/",
		programs: map[string]*compiled{},
		vars: map[string]value{
			"True":  true,
			"False": false,
			"None":  nil,
		},
	}
	in.modules = map[string]module{
		"os":  in.osModule(),
		"sys": {moduleName: "sys", "platform": "emulator", "version": "3.4.0"},
	}
	for name, fn := range map[string]builtin{
		"print": in.builtinPrint,
		"len":   builtinLen,
		"str":   func(args ...value) (value, error) { return str(arg(args, 0)), nil },
		"repr":  func(args ...value) (value, error) { return repr(arg(args, 0)), nil },
		"int":   builtinInt,
		"range": builtinRange,
		"help":  in.builtinHelp,
	} {
		in.vars[name] = in.guard(fn)
	}
	return in
}

// guard keeps the Python exception fn fails with in in.raised.
func (in *Interp) guard(fn builtin) builtin {
	return func(args ...value) (value, error) {
		v, err := fn(args...)
		var pe *pyError
		if errors.As(err, &pe) {
			in.raised = pe
		}
		return v, err
	}
}

// Cwd is the interpreter's working directory.
func (in *Interp) Cwd() string { return in.cwd }

func (in *Interp) Eval(ctx context.Context, source string, interactive bool) []string {
	in.out = nil
	lines := splitSource(source)
	if err := in.execBlock(ctx, lines, interactive); err != nil {
		in.traceback(err)
	}
	return in.out
}

func (in *Interp) traceback(err error) {
	var pe *pyError
	if !errors.As(err, &pe) {
		pe = &pyError{kind: "RuntimeError", msg: err.Error()}
	}
	lineNo := 1
	var le *lineError
	if errors.As(err, &le) {
		lineNo = le.line
	}
	in.out = append(in.out,
		"Traceback (most recent call last):",
		fmt.Sprintf(`  File "<stdin>", line %d, in <module>`, lineNo),
		pe.Error())
}

type lineError struct {
	line int
	err  error
}

func (e *lineError) Error() string { return e.err.Error() }
func (e *lineError) Unwrap() error { return e.err }

type srcLine struct {
	no     int
	indent int
	text   string
}

func splitSource(source string) []srcLine {
	var lines []srcLine
	for i, raw := range strings.Split(source, "\n") {
		raw = strings.TrimRight(raw, "\r ")
		text := strings.TrimSpace(raw)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		indent := 0
		for _, r := range raw {
			if r == ' ' {
				indent++
			} else if r == '\t' {
				indent += 8
			} else {
				break
			}
		}
		lines = append(lines, srcLine{no: i + 1, indent: indent, text: text})
	}
	return lines
}

func (in *Interp) execBlock(ctx context.Context, lines []srcLine, interactive bool) error {
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if err := ctx.Err(); err != nil {
			return &lineError{line: line.no, err: raise("KeyboardInterrupt", "")}
		}

		keyword, _, _ := strings.Cut(line.text, " ")
		switch keyword {
		case "for", "while", "if":
			header, inline, ok := splitHeader(line.text)
			if !ok {
				return &lineError{line: line.no, err: raise("SyntaxError", "invalid syntax")}
			}
			var body []srcLine
			if inline != "" {
				body = []srcLine{{no: line.no, indent: line.indent + 1, text: inline}}
			} else {
				j := i + 1
				for j < len(lines) && lines[j].indent > line.indent {
					j++
				}
				body = lines[i+1 : j]
				i = j - 1
			}
			if len(body) == 0 {
				return &lineError{line: line.no, err: raise("IndentationError", "expected an indented block")}
			}
			if err := in.execCompound(ctx, keyword, header, body); err != nil {
				return wrapLine(line.no, err)
			}
		default:
			for _, stmt := range splitStatements(line.text) {
				if err := in.execSimple(stmt, interactive); err != nil {
					return wrapLine(line.no, err)
				}
			}
		}
	}
	return nil
}

func wrapLine(no int, err error) error {
	var le *lineError
	if errors.As(err, &le) {
		return err
	}
	return &lineError{line: no, err: err}
}

// splitHeader splits "while x: body" at the first colon outside brackets
// and strings.
func splitHeader(text string) (header, inline string, ok bool) {
	depth := 0
	var quote rune
	for i, r := range text {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '(' || r == '[':
			depth++
		case r == ')' || r == ']':
			depth--
		case r == ':' && depth == 0:
			return strings.TrimSpace(text[:i]), strings.TrimSpace(text[i+1:]), true
		}
	}
	return "", "", false
}

// splitStatements splits a line at semicolons outside strings.
func splitStatements(text string) []string {
	var stmts []string
	var quote rune
	start := 0
	for i, r := range text {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ';':
			if stmt := strings.TrimSpace(text[start:i]); stmt != "" {
				stmts = append(stmts, stmt)
			}
			start = i + 1
		}
	}
	if stmt := strings.TrimSpace(text[start:]); stmt != "" {
		stmts = append(stmts, stmt)
	}
	return stmts
}

func (in *Interp) execCompound(ctx context.Context, keyword, header string, body []srcLine) error {
	rest := strings.TrimSpace(strings.TrimPrefix(header, keyword))
	switch keyword {
	case "if":
		cond, err := in.eval(rest)
		if err != nil {
			return err
		}
		if truthy(cond) {
			return in.execBlock(ctx, body, false)
		}
		return nil
	case "while":
		for n := 0; ; n++ {
			cond, err := in.eval(rest)
			if err != nil {
				return err
			}
			if !truthy(cond) {
				return nil
			}
			if err := in.execBlock(ctx, body, false); err != nil {
				return err
			}
			if n%1000 == 999 {
				select {
				case <-ctx.Done():
				case <-time.After(time.Millisecond):
				}
			}
		}
	default:
		name, iterExpr, ok := strings.Cut(rest, " in ")
		name = strings.TrimSpace(name)
		if !ok || !isIdent(name) {
			return raise("SyntaxError", "invalid syntax")
		}
		iter, err := in.eval(iterExpr)
		if err != nil {
			return err
		}
		items, err := iterate(iter)
		if err != nil {
			return err
		}
		for _, item := range items {
			in.vars[name] = item
			if err := in.execBlock(ctx, body, false); err != nil {
				return err
			}
		}
		return nil
	}
}

func (in *Interp) execSimple(text string, interactive bool) error {
	switch {
	case text == "pass":
		return nil
	case strings.HasPrefix(text, "import "):
		for _, name := range strings.Split(strings.TrimPrefix(text, "import "), ",") {
			name = strings.TrimSpace(name)
			mod, ok := in.modules[name]
			if !ok {
				return raise("ImportError", "no module named '%s'", name)
			}
			in.vars[name] = mod
		}
		return nil
	case strings.HasPrefix(text, "from "):
		return raise("SyntaxError", "invalid syntax")
	}

	if name, expr, ok := splitAssign(text); ok {
		v, err := in.eval(expr)
		if err != nil {
			return err
		}
		in.vars[name] = v
		return nil
	}

	v, err := in.eval(text)
	if err != nil {
		return err
	}
	if interactive && v != nil {
		in.out = append(in.out, repr(v))
	}
	return nil
}

func splitAssign(text string) (name, expr string, ok bool) {
	i := strings.IndexByte(text, '=')
	if i <= 0 || i+1 < len(text) && text[i+1] == '=' {
		return "", "", false
	}
	if strings.ContainsAny(text[i-1:i], "!<>=") {
		return "", "", false
	}
	name = strings.TrimSpace(text[:i])
	if !isIdent(name) {
		return "", "", false
	}
	return name, text[i+1:], true
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || i > 0 && r >= '0' && r <= '9' {
			continue
		}
		return false
	}
	return true
}

// Filesystem helpers.

func (in *Interp) resolve(p string) string {
	if !path.IsAbs(p) {
		p = path.Join(in.cwd, p)
	}
	return path.Clean(p)
}

func osError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return raise("OSError", "[Errno 2] ENOENT")
	}
	if errors.Is(err, fs.ErrExist) {
		return raise("OSError", "[Errno 17] EEXIST")
	}
	return raise("OSError", "%v", err)
}

func (in *Interp) osModule() module {
	strArg := func(args []value, fn func(string) (value, error)) (value, error) {
		s, ok := arg(args, 0).(string)
		if !ok {
			return nil, raise("TypeError", "expected str")
		}
		return fn(in.resolve(s))
	}
	fns := map[string]builtin{
		"getcwd": func(...value) (value, error) { return in.cwd, nil },
		"chdir": func(args ...value) (value, error) {
			return strArg(args, func(p string) (value, error) {
				ok, err := afero.DirExists(in.fs, p)
				if err != nil || !ok {
					return nil, raise("OSError", "[Errno 2] ENOENT")
				}
				in.cwd = p
				return nil, nil
			})
		},
		"listdir": func(args ...value) (value, error) {
			dir := in.cwd
			if len(args) > 0 {
				s, ok := args[0].(string)
				if !ok {
					return nil, raise("TypeError", "expected str")
				}
				dir = in.resolve(s)
			}
			infos, err := afero.ReadDir(in.fs, dir)
			if err != nil {
				return nil, osError(err)
			}
			names := make([]value, 0, len(infos))
			for _, fi := range infos {
				names = append(names, fi.Name())
			}
			return names, nil
		},
		"stat": func(args ...value) (value, error) {
			return strArg(args, func(p string) (value, error) {
				fi, err := in.fs.Stat(p)
				if err != nil {
					return nil, osError(err)
				}
				mode, size := modeFile, int(fi.Size())
				if fi.IsDir() {
					mode, size = modeDir, 0
				}
				mtime := int(fi.ModTime().Unix())
				return tuple{mode, 0, 0, 0, 0, 0, size, mtime, mtime, mtime}, nil
			})
		},
		"remove": func(args ...value) (value, error) {
			return strArg(args, func(p string) (value, error) {
				fi, err := in.fs.Stat(p)
				if err != nil {
					return nil, osError(err)
				}
				if fi.IsDir() {
					return nil, raise("OSError", "[Errno 21] EISDIR")
				}
				if err := in.fs.Remove(p); err != nil {
					return nil, osError(err)
				}
				return nil, nil
			})
		},
		"mkdir": func(args ...value) (value, error) {
			return strArg(args, func(p string) (value, error) {
				if _, err := in.fs.Stat(p); err == nil {
					return nil, raise("OSError", "[Errno 17] EEXIST")
				}
				if err := in.fs.Mkdir(p, 0o755); err != nil {
					return nil, osError(err)
				}
				return nil, nil
			})
		},
		"rmdir": func(args ...value) (value, error) {
			return strArg(args, func(p string) (value, error) {
				if err := in.fs.Remove(p); err != nil {
					return nil, osError(err)
				}
				return nil, nil
			})
		},
	}
	fns["unlink"] = fns["remove"]

	mod := module{moduleName: "os", "sep": "/"}
	for name, fn := range fns {
		mod[name] = in.guard(fn)
	}
	return mod
}

// Builtins.

func arg(args []value, i int) value {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func (in *Interp) builtinPrint(args ...value) (value, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = str(a)
	}
	in.out = append(in.out, strings.Split(strings.Join(parts, " "), "\n")...)
	return nil, nil
}

func (in *Interp) builtinHelp(args ...value) (value, error) {
	if len(args) == 0 {
		in.out = append(in.out,
			"Welcome to MicroPython!",
			"",
			"Control commands:",
			"  CTRL-C        -- interrupt a running program",
			"  CTRL-D        -- on a blank line, do a soft reset of the board",
			"  CTRL-E        -- on a blank line, enter paste mode")
		return nil, nil
	}
	v := args[0]
	if m, ok := v.(module); ok {
		in.out = append(in.out, fmt.Sprintf("object %s is of type module", repr(m)))
		for _, name := range slices.Sorted(maps.Keys(m)) {
			if name == moduleName {
				continue
			}
			desc := repr(m[name])
			if _, ok := m[name].(builtin); ok {
				desc = fmt.Sprintf("<function %s>", name)
			}
			in.out = append(in.out, fmt.Sprintf("  %s -- %s", name, desc))
		}
		return nil, nil
	}
	in.out = append(in.out, fmt.Sprintf("object %s is of type %s", repr(v), typeName(v)))
	return nil, nil
}

func builtinLen(args ...value) (value, error) {
	switch v := arg(args, 0).(type) {
	case string:
		return len(v), nil
	case []value:
		return len(v), nil
	case tuple:
		return len(v), nil
	default:
		return nil, raise("TypeError", "object of type '%s' has no len()", typeName(v))
	}
}

func builtinInt(args ...value) (value, error) {
	switch v := arg(args, 0).(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, raise("ValueError", "invalid syntax for integer with base 10")
		}
		return n, nil
	default:
		return nil, raise("TypeError", "can't convert %s to int", typeName(v))
	}
}

func builtinRange(args ...value) (value, error) {
	var bounds []int
	for _, a := range args {
		n, ok := a.(int)
		if !ok {
			return nil, raise("TypeError", "range() arguments must be int")
		}
		bounds = append(bounds, n)
	}
	var start, stop int
	switch len(bounds) {
	case 1:
		stop = bounds[0]
	case 2:
		start, stop = bounds[0], bounds[1]
	default:
		return nil, raise("TypeError", "range() takes 1 or 2 arguments")
	}
	out := []value{}
	for i := start; i < stop; i++ {
		out = append(out, i)
	}
	return out, nil
}

// Values.

func typeName(v value) string {
	switch v.(type) {
	case nil:
		return "NoneType"
	case bool:
		return "bool"
	case int, int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "str"
	case []value:
		return "list"
	case tuple:
		return "tuple"
	case module:
		return "module"
	case builtin:
		return "function"
	default:
		return "object"
	}
}

func truthy(v value) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v != ""
	case []value:
		return len(v) > 0
	case tuple:
		return len(v) > 0
	default:
		return true
	}
}

func str(v value) string {
	if s, ok := v.(string); ok {
		return s
	}
	return repr(v)
}

func repr(v value) string {
	switch v := v.(type) {
	case nil:
		return "None"
	case bool:
		if v {
			return "True"
		}
		return "False"
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		s := strconv.FormatFloat(v, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eIN") {
			s += ".0"
		}
		return s
	case string:
		r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`, "\t", `\t`)
		return "'" + r.Replace(v) + "'"
	case []value:
		return "[" + joinRepr(v) + "]"
	case tuple:
		if len(v) == 1 {
			return "(" + repr(v[0]) + ",)"
		}
		return "(" + joinRepr(v) + ")"
	case module:
		return fmt.Sprintf("<module '%v'>", v[moduleName])
	case builtin:
		return "<function>"
	default:
		return fmt.Sprint(v)
	}
}

func joinRepr(items []value) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = repr(item)
	}
	return strings.Join(parts, ", ")
}

func iterate(v value) ([]value, error) {
	switch v := v.(type) {
	case []value:
		return v, nil
	case tuple:
		return v, nil
	case string:
		out := make([]value, 0, len(v))
		for _, r := range v {
			out = append(out, string(r))
		}
		return out, nil
	default:
		return nil, raise("TypeError", "'%s' object isn't iterable", typeName(v))
	}
}

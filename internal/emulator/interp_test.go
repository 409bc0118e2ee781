package emulator

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpEval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		source      string
		interactive bool
		want        []string
	}{
		{name: "expression echo", source: "1+2", interactive: true, want: []string{"3"}},
		{name: "string concat", source: "'a' + 'b'", interactive: true, want: []string{"'ab'"}},
		{name: "assignment is silent", source: "x = 1", interactive: true, want: nil},
		{name: "print joins args", source: "x = 5\nprint(x * 2, x - 1)", want: []string{"10 4"}},
		{name: "inline for", source: "for i in range(3): print(i)", want: []string{"0", "1", "2"}},
		{name: "indented if", source: "if 2 > 1:\n    print('yes')\nprint('end')", want: []string{"yes", "end"}},
		{name: "while", source: "n = 0\nwhile n < 3:\n    n = n + 1\nprint(n)", want: []string{"3"}},
		{name: "semicolons", source: "a = 1; b = 2; print(a + b)", want: []string{"3"}},
		{name: "operators", source: "print(1 != 2, 7 % 3, -4, 2 * 3 > 5 and True)", want: []string{"True 1 -4 True"}},
		{name: "membership and not", source: "print(len([1, 2, 3]), 2 in [1, 2, 3], not True)", want: []string{"3 True False"}},
		{name: "true division", source: "7 / 2", interactive: true, want: []string{"3.5"}},
		{name: "list literal", source: "['a', 1, None]", interactive: true, want: []string{"['a', 1, None]"}},
		{name: "none is silent", source: "None", interactive: true, want: nil},
		{name: "print newline splits", source: "print('a\\nb')", want: []string{"a", "b"}},
		{
			name:   "name error",
			source: "print(1)\nmissing",
			want: []string{
				"1",
				"Traceback (most recent call last):",
				`  File "<stdin>", line 2, in <module>`,
				"NameError: name 'missing' isn't defined",
			},
		},
		{
			name:   "zero division",
			source: "1/0",
			want: []string{
				"Traceback (most recent call last):",
				`  File "<stdin>", line 1, in <module>`,
				"ZeroDivisionError: divide by zero",
			},
		},
		{
			name:   "builtin raises",
			source: "int('x')",
			want: []string{
				"Traceback (most recent call last):",
				`  File "<stdin>", line 1, in <module>`,
				"ValueError: invalid syntax for integer with base 10",
			},
		},
		{
			name:   "syntax error",
			source: "x = (1 +",
			want: []string{
				"Traceback (most recent call last):",
				`  File "<stdin>", line 1, in <module>`,
				"SyntaxError: invalid syntax",
			},
		},
		{
			name:   "unknown module",
			source: "import network",
			want: []string{
				"Traceback (most recent call last):",
				`  File "<stdin>", line 1, in <module>`,
				"ImportError: no module named 'network'",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := NewInterp(afero.NewMemMapFs())
			assert.Equal(t, tt.want, in.Eval(context.Background(), tt.source, tt.interactive))
		})
	}
}

func TestInterpOSModule(t *testing.T) {
	t.Parallel()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/lib/a.py", []byte("12345"), 0o644))
	in := NewInterp(fsys)
	ctx := context.Background()

	assert.Empty(t, in.Eval(ctx, "import os", true))
	assert.Equal(t, []string{"'/'"}, in.Eval(ctx, "os.getcwd()", true))

	assert.Empty(t, in.Eval(ctx, "os.chdir('lib')", true))
	assert.Equal(t, "/lib", in.Cwd())
	assert.Equal(t, []string{"['a.py']"}, in.Eval(ctx, "os.listdir()", true))
	assert.Equal(t, []string{"32768 5"}, in.Eval(ctx, "s = os.stat('a.py'); print(s[0], s[6])", false))
	assert.Equal(t, []string{"16384"}, in.Eval(ctx, "print(os.stat('/lib')[0])", false))

	assert.Empty(t, in.Eval(ctx, "os.mkdir('sub')", true))
	ok, err := afero.DirExists(fsys, "/lib/sub")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Empty(t, in.Eval(ctx, "os.remove('a.py')", true))
	ok, err = afero.Exists(fsys, "/lib/a.py")
	require.NoError(t, err)
	assert.False(t, ok)

	out := in.Eval(ctx, "os.remove('a.py')", true)
	require.NotEmpty(t, out)
	assert.Equal(t, "OSError: [Errno 2] ENOENT", out[len(out)-1])

	help := in.Eval(ctx, "help((os))", false)
	require.NotEmpty(t, help)
	assert.Equal(t, "object <module 'os'> is of type module", help[0])
	assert.Contains(t, help, "  sep -- '/'")
}

func TestInterpStopsWhenCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := NewInterp(afero.NewMemMapFs()).Eval(ctx, "while True: pass", true)
	require.NotEmpty(t, out)
	assert.Equal(t, "KeyboardInterrupt: ", out[len(out)-1])
}

func TestSplitStatements(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"a = 1", "print('x;y')"}, splitStatements("a = 1; print('x;y');"))
	assert.Equal(t, []string{"pass"}, splitStatements("pass"))
}

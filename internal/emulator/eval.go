package emulator

import (
	"errors"
	"math"
	"slices"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/file"
	"github.com/expr-lang/expr/vm"
)

// compiled is an expression with the identifiers it reads.
type compiled struct {
	program *vm.Program
	names   []string
}

// nameCollector records the identifiers an expression reads.
type nameCollector struct {
	names []string
}

func (c *nameCollector) Visit(node *ast.Node) {
	if id, ok := (*node).(*ast.IdentifierNode); ok && !slices.Contains(c.names, id.Value) {
		c.names = append(c.names, id.Value)
	}
}

func (in *Interp) compile(src string) (*compiled, error) {
	if c, ok := in.programs[src]; ok {
		return c, nil
	}
	names := &nameCollector{}
	program, err := expr.Compile(src,
		expr.DisableBuiltin("len"),
		expr.DisableBuiltin("int"),
		expr.Patch(names),
	)
	if err != nil {
		return nil, raise("SyntaxError", "invalid syntax")
	}
	c := &compiled{program: program, names: names.names}
	in.programs[src] = c
	return c, nil
}

// eval evaluates one Python expression with the interpreter's variables as
// the environment.
func (in *Interp) eval(src string) (value, error) {
	c, err := in.compile(strings.TrimSpace(src))
	if err != nil {
		return nil, err
	}
	for _, name := range c.names {
		if _, ok := in.vars[name]; !ok {
			return nil, raise("NameError", "name '%s' isn't defined", name)
		}
	}

	in.raised = nil
	out, err := expr.Run(c.program, in.vars)
	if err != nil {
		return nil, in.pyErr(err)
	}
	if f, ok := out.(float64); ok && (math.IsInf(f, 0) || math.IsNaN(f)) {
		return nil, raise("ZeroDivisionError", "divide by zero")
	}
	return out, nil
}

// pyErr maps an evaluation failure onto a Python exception. An exception
// raised by a builtin wins.
func (in *Interp) pyErr(err error) error {
	if in.raised != nil {
		pe := in.raised
		in.raised = nil
		return pe
	}
	var pe *pyError
	if errors.As(err, &pe) {
		return pe
	}
	msg := err.Error()
	var fe *file.Error
	if errors.As(err, &fe) {
		msg = fe.Message
	}
	if strings.Contains(msg, "divide by zero") {
		return raise("ZeroDivisionError", "divide by zero")
	}
	return raise("TypeError", "%s", msg)
}

package script

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// RisorEngine compiles and evaluates Risor expressions. Used for edge
// conditions and for ${...} templates in approval descriptions.
type RisorEngine struct {
	globals map[string]any
}

// NewRisorEngine returns a Risor-backed Compiler with the given globals
// available to every script.
func NewRisorEngine(globals map[string]any) *RisorEngine {
	if globals == nil {
		globals = DefaultGlobals()
	}
	return &RisorEngine{globals: globals}
}

// DefaultGlobals returns the globals exposed to scripts by default.
func DefaultGlobals() map[string]any {
	return map[string]any{
		"now": object.NewBuiltin("now", func(ctx context.Context, args ...object.Object) object.Object {
			return object.NewTime(time.Now())
		}),
		"context": object.NewMap(map[string]object.Object{}),
		"output":  object.Nil,
	}
}

// Compile parses and compiles a Risor expression.
func (e *RisorEngine) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	var globalNames []string
	for name := range e.globals {
		globalNames = append(globalNames, name)
	}
	sort.Strings(globalNames)

	compiledCode, err := compiler.Compile(ast, compiler.WithGlobalNames(globalNames))
	if err != nil {
		return nil, err
	}
	return &risorScript{engine: e, code: compiledCode}, nil
}

type risorScript struct {
	engine *RisorEngine
	code   *compiler.Code
}

func (s *risorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.engine.globals)+len(globals))
	for name, value := range s.engine.globals {
		combined[name] = value
	}
	for name, value := range globals {
		combined[name] = value
	}
	value, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate script: %w", err)
	}
	return &risorValue{obj: value}, nil
}

type risorValue struct {
	obj object.Object
}

func (v *risorValue) Value() any {
	return convertToGo(v.obj)
}

func (v *risorValue) String() string {
	if s, ok := v.obj.(*object.String); ok {
		return s.Value()
	}
	return v.obj.Inspect()
}

func (v *risorValue) IsTruthy() bool {
	switch obj := v.obj.(type) {
	case *object.Bool:
		return obj.Value()
	case *object.Int:
		return obj.Value() != 0
	case *object.Float:
		return obj.Value() != 0.0
	case *object.String:
		val := obj.Value()
		return val != "" && strings.ToLower(val) != "false"
	case *object.List:
		return len(obj.Value()) > 0
	case *object.Map:
		return len(obj.Value()) > 0
	case *object.NilType:
		return false
	default:
		return true
	}
}

// convertToGo converts a Risor object to a plain Go value.
func convertToGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		var result []any
		for _, item := range o.Value() {
			result = append(result, convertToGo(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any)
		for key, value := range o.Value() {
			result[key] = convertToGo(value)
		}
		return result
	default:
		// Fallback to string representation
		return obj.Inspect()
	}
}

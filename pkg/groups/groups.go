package groups

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"reflect"
	"slices"
	"strings"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/dmitrymomot/rollout/pkg/rollout"
)

// Definition describes how membership of one group is decided.
type Definition struct {
	Users []string `yaml:"users"`
	Expr  string   `yaml:"expr"`
}

type file struct {
	Groups map[string]Definition `yaml:"groups"`
}

// Load reads and parses a definitions file.
func Load(path string) (map[string]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrReadFile, err)
	}
	return Parse(data)
}

// Parse decodes YAML definitions and validates every group.
func Parse(data []byte) (map[string]Definition, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Join(ErrFailedToParseYAML, err)
	}
	for name, def := range f.Groups {
		if err := validate(name, def); err != nil {
			return nil, err
		}
	}
	if f.Groups == nil {
		f.Groups = map[string]Definition{}
	}
	return f.Groups, nil
}

// Compile turns a definition into a membership test.
func Compile(name string, def Definition) (rollout.GroupFunc, error) {
	if err := validate(name, def); err != nil {
		return nil, err
	}

	users := make(map[string]struct{}, len(def.Users))
	for _, u := range def.Users {
		users[u] = struct{}{}
	}

	var prg cel.Program
	if expr := strings.TrimSpace(def.Expr); expr != "" {
		var err error
		if prg, err = compileExpr(expr); err != nil {
			return nil, errors.Join(fmt.Errorf("group %q", name), err)
		}
	}

	return func(user string) bool {
		if _, ok := users[user]; ok {
			return true
		}
		return prg != nil && eval(prg, user)
	}, nil
}

// Register compiles every definition and defines the groups on r.
// Nothing is registered if any definition fails to compile.
func Register(r *rollout.Rollout, defs map[string]Definition) error {
	compiled := make(map[string]rollout.GroupFunc, len(defs))
	for _, name := range slices.Sorted(maps.Keys(defs)) {
		fn, err := Compile(name, defs[name])
		if err != nil {
			return err
		}
		compiled[name] = fn
	}
	for name, fn := range compiled {
		r.DefineGroup(name, fn)
	}
	return nil
}

func compileExpr(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(cel.Variable("user", cel.StringType))
	if err != nil {
		return nil, errors.Join(ErrCompileExpression, err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Join(ErrCompileExpression, iss.Err())
	}
	if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
		return nil, fmt.Errorf("%w: got %s", ErrExpressionNotBoolean, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, errors.Join(ErrCompileExpression, err)
	}
	return prg, nil
}

func eval(prg cel.Program, user string) bool {
	out, _, err := prg.Eval(map[string]any{"user": user})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func validate(name string, def Definition) error {
	if name == "" || strings.ContainsAny(name, "|,") {
		return fmt.Errorf("%w: group name %q", ErrInvalidDefinition, name)
	}
	if len(def.Users) == 0 && strings.TrimSpace(def.Expr) == "" {
		return fmt.Errorf("%w: group %q has neither users nor expr", ErrInvalidDefinition, name)
	}
	return nil
}

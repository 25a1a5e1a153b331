package groups

import "errors"

var (
	ErrReadFile             = errors.New("groups: failed to read definitions file")
	ErrFailedToParseYAML    = errors.New("groups: failed to parse YAML")
	ErrInvalidDefinition    = errors.New("groups: invalid group definition")
	ErrCompileExpression    = errors.New("groups: failed to compile expression")
	ErrExpressionNotBoolean = errors.New("groups: expression must evaluate to bool")
)

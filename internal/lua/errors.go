package lua

import (
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/lua-include/internal/locator"
)

// EvaluationError reports a script that failed to compile or raised while running.
type EvaluationError struct {
	Identifier locator.Identifier
	Message    string
	Err        error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("exceptions thrown in %s: %s", e.Identifier, e.Message)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// newEvaluationError unpacks a gopher-lua error. Host errors raised through
// Runtime.raise come back as userdata, and their Go error becomes Err.
func newEvaluationError(id locator.Identifier, err error) *EvaluationError {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		if ud, ok := apiErr.Object.(*lua.LUserData); ok {
			if inner, ok := ud.Value.(error); ok {
				return &EvaluationError{Identifier: id, Message: inner.Error(), Err: inner}
			}
		}
		if apiErr.Object != nil && apiErr.Object != lua.LNil {
			return &EvaluationError{Identifier: id, Message: apiErr.Object.String(), Err: err}
		}
	}
	return &EvaluationError{Identifier: id, Message: err.Error(), Err: err}
}

package loader

import (
	"errors"
	"strings"

	"github.com/zot/lua-include/internal/locator"
	"github.com/zot/lua-include/internal/lua"
	"github.com/zot/lua-include/internal/transport"
)

// CycleError reports a script that includes itself, directly or through others.
type CycleError struct {
	Chain []locator.Identifier
}

func (e *CycleError) Error() string {
	names := make([]string, len(e.Chain))
	for i, id := range e.Chain {
		names[i] = string(id)
	}
	return "include cycle detected: " + strings.Join(names, " -> ")
}

// Kind names the error category of err for CLI, console and MCP output.
// Nested failures report the innermost cause, so a cycle found two scripts
// deep is a CycleError rather than an EvaluationError.
func Kind(err error) string {
	var (
		crossOrigin *locator.CrossOriginError
		unavailable *transport.TransportUnavailableError
		network     *transport.NetworkFailure
		cycle       *CycleError
		evaluation  *lua.EvaluationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cycle):
		return "CycleError"
	case errors.As(err, &crossOrigin):
		return "CrossOriginError"
	case errors.As(err, &unavailable):
		return "TransportUnavailableError"
	case errors.As(err, &network):
		return "NetworkFailure"
	case errors.Is(err, locator.ErrEmptyLocator), errors.Is(err, locator.ErrNoFileName):
		return "InvalidLocator"
	case errors.As(err, &evaluation):
		return "EvaluationError"
	case errors.Is(err, lua.ErrShutdown):
		return "Shutdown"
	}
	return "Error"
}

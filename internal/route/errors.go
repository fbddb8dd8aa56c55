package route

import (
	"errors"
	"fmt"
)

// Mode names the compilation policy a pattern was built with.
type Mode string

const (
	ModeExact  Mode = "exact"
	ModePrefix Mode = "prefix"
)

// CompileError reports a path template that could not be compiled into a
// matcher. It surfaces at route-registration time; a Route never carries a
// broken pattern, so this error cannot occur during request processing.
type CompileError struct {
	Template string
	Mode     Mode
	Err      error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("route path %q: compiling %s match pattern: %v", e.Template, e.Mode, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// NotFoundError reports that a router walked its whole table without any
// route accepting the request.
type NotFoundError struct {
	Method string
	Path   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no route matches %s %q", e.Method, e.Path)
}

// ErrUpgradeUnsupported is returned when dispatch reaches an upgrade route.
// The upgrade handshake and framing protocol are not implemented; upgrade
// routes exist so tables can reserve paths for them, and dispatch must fail
// loudly rather than pretend to switch protocols.
var ErrUpgradeUnsupported = errors.New("connection upgrade is not supported")

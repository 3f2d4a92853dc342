package hemeter

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so that callers can branch on it.
type Kind uint8

const (
	// Unknown is the kind of errors that do not carry a Kind.
	Unknown Kind = iota
	// ParamError reports invalid cryptographic parameters.
	ParamError
	// RangeError reports a value that cannot be encoded at the requested scale.
	RangeError
	// IncompatibleContext reports operands created under different contexts.
	IncompatibleContext
	// DepthExhausted reports an operation that needs more levels than remain.
	DepthExhausted
	// NetworkTimeout reports a transport deadline that elapsed.
	NetworkTimeout
	// ConnectionLost reports a transport connection that broke.
	ConnectionLost
	// MalformedPacket reports a frame that failed structural validation.
	MalformedPacket
)

var kindNames = [...]string{
	Unknown:             "Unknown",
	ParamError:          "ParamError",
	RangeError:          "RangeError",
	IncompatibleContext: "IncompatibleContext",
	DepthExhausted:      "DepthExhausted",
	NetworkTimeout:      "NetworkTimeout",
	ConnectionLost:      "ConnectionLost",
	MalformedPacket:     "MalformedPacket",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Transient reports whether an operation that failed with this kind
// may succeed when retried unchanged.
func (k Kind) Transient() bool {
	return k == NetworkTimeout || k == ConnectionLost
}

// Sentinel errors, one per kind, for use with errors.Is.
var (
	ErrParam               = &Error{Kind: ParamError}
	ErrRange               = &Error{Kind: RangeError}
	ErrIncompatibleContext = &Error{Kind: IncompatibleContext}
	ErrDepthExhausted      = &Error{Kind: DepthExhausted}
	ErrNetworkTimeout      = &Error{Kind: NetworkTimeout}
	ErrConnectionLost      = &Error{Kind: ConnectionLost}
	ErrMalformedPacket     = &Error{Kind: MalformedPacket}
)

// Error is a failure carrying a Kind, the operation that raised it and
// an optional underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Errorf returns an *Error of the given kind whose cause is formatted
// according to format.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap returns an *Error of the given kind around err, or nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Op == "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	case e.Err == nil:
		return fmt.Sprintf("cannot %s: %s", e.Op, e.Kind)
	default:
		return fmt.Sprintf("cannot %s: %s: %s", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so that the package sentinels
// can be used as targets.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}

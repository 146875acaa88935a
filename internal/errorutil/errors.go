package errorutil

//go:generate go tool errtrace -w .

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ghettovoice/siptx/internal/util"
)

// Error is a constant sentinel error.
type Error string

func (s Error) Error() string { return string(s) }

// NewWrapperError ties the sentinel to a cause or a message.
// Accepted args: none, a cause error, a message or a format with its arguments.
// A cause that already matches the sentinel is returned as is.
func NewWrapperError(sentinel error, args ...any) error {
	if len(args) == 0 {
		return sentinel //errtrace:skip
	}
	switch v := args[0].(type) {
	case error:
		if errors.Is(v, sentinel) {
			return v //errtrace:skip
		}
		return fmt.Errorf("%w: %w", sentinel, v) //errtrace:skip
	case string:
		if len(args) > 1 {
			v = fmt.Sprintf(v, args[1:]...)
		}
		return fmt.Errorf("%w: %s", sentinel, v) //errtrace:skip
	default:
		return sentinel //errtrace:skip
	}
}

// ErrInvalidArgument is returned on invalid input.
const ErrInvalidArgument Error = "invalid argument"

// NewInvalidArgumentError wraps args with [ErrInvalidArgument], see [NewWrapperError].
func NewInvalidArgumentError(args ...any) error {
	return NewWrapperError(ErrInvalidArgument, args...) //errtrace:skip
}

// JoinPrefix joins non-nil errors under the prefix, one error per line.
// It returns nil if there is nothing to join.
func JoinPrefix(prefix string, errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%s: %w", strings.TrimSuffix(prefix, ":"), nonNil[0]) //errtrace:skip
	default:
		return &prefixedErrors{prefix: prefix, errs: nonNil} //errtrace:skip
	}
}

type prefixedErrors struct {
	prefix string
	errs   []error
}

func (e *prefixedErrors) Error() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(e.prefix)
	for _, err := range e.errs {
		sb.WriteString("\n  - ")
		sb.WriteString(strings.ReplaceAll(err.Error(), "\n", "\n    "))
	}
	return sb.String()
}

func (e *prefixedErrors) Unwrap() []error { return e.errs }

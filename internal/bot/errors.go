package bot

import (
	"errors"
	"fmt"

	"infinite-experiment/warden/internal/platform"
)

// ErrorKind is the user-facing class of a failed command
type ErrorKind int

const (
	KindUsage ErrorKind = iota
	KindNotPermitted
	KindNotConfigured
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindNotPermitted:
		return "not_permitted"
	case KindNotConfigured:
		return "not_configured"
	default:
		return "internal"
	}
}

// CommandError carries a message that is safe to show to the invoker
type CommandError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CommandError) Unwrap() error { return e.Err }

func Usage(format string, args ...interface{}) error {
	return &CommandError{Kind: KindUsage, Message: fmt.Sprintf(format, args...)}
}

func NotPermitted(format string, args ...interface{}) error {
	return &CommandError{Kind: KindNotPermitted, Message: fmt.Sprintf(format, args...)}
}

func NotConfigured(format string, args ...interface{}) error {
	return &CommandError{Kind: KindNotConfigured, Message: fmt.Sprintf(format, args...)}
}

const (
	msgForbidden = "I am missing the permissions to do that."
	msgInternal  = "Something went wrong while running that command."
)

// Classify maps a handler error to its kind and the reply the invoker sees.
// Platform refusals become KindNotPermitted; anything unrecognised,
// including session misuse, is KindInternal with a generic message.
func Classify(err error) (ErrorKind, string) {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Kind, cmdErr.Message
	}
	if platform.Classify(err) == platform.KindForbidden {
		return KindNotPermitted, msgForbidden
	}
	return KindInternal, msgInternal
}

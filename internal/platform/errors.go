package platform

import (
	"errors"
)

var (
	// ErrNotFound means the guild, role, channel or member no longer exists
	ErrNotFound = errors.New("platform: entity not found")
	// ErrForbidden means the platform refused the action
	ErrForbidden = errors.New("platform: action forbidden")
)

// Kind is the reconciliation-relevant class of a platform error
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindForbidden
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	default:
		return "transient"
	}
}

// Classify sorts an error returned by a Platform call
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	default:
		return KindTransient
	}
}

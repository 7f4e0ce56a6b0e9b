package xerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the caller must react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig is invalid setup input; never attempted.
	KindConfig
	// KindOrdering is a resource requested before its dependency exists.
	KindOrdering
	// KindTransient is retryable I/O.
	KindTransient
	// KindSecurity is a configuration that would weaken access control.
	KindSecurity
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindOrdering:
		return "ordering"
	case KindTransient:
		return "transient"
	case KindSecurity:
		return "security"
	default:
		return "unknown"
	}
}

// ExitCode maps a kind to the process exit status used by the CLI.
func (k Kind) ExitCode() int {
	switch k {
	case KindConfig:
		return 2
	case KindOrdering:
		return 3
	case KindSecurity:
		return 4
	case KindTransient:
		return 5
	default:
		return 1
	}
}

var (
	ErrConfig    = errors.New("configuration error")
	ErrOrdering  = errors.New("dependency ordering error")
	ErrTransient = errors.New("transient error")
	ErrSecurity  = errors.New("security invariant violation")
)

func (k Kind) sentinel() error {
	switch k {
	case KindConfig:
		return ErrConfig
	case KindOrdering:
		return ErrOrdering
	case KindTransient:
		return ErrTransient
	case KindSecurity:
		return ErrSecurity
	default:
		return nil
	}
}

type classified struct {
	kind Kind
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }
func (c *classified) Kind() Kind    { return c.kind }

// Is matches the kind's sentinel so errors.Is(err, ErrConfig) works through
// any number of wraps.
func (c *classified) Is(target error) bool {
	s := c.kind.sentinel()
	return s != nil && target == s
}

// Classify tags err with kind. A nil err stays nil.
func Classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kind, err: EnsureTrace(err)}
}

func Config(format string, args ...any) error {
	return &classified{kind: KindConfig, err: withStackSkip(fmt.Errorf(format, args...), 2)}
}

func Ordering(format string, args ...any) error {
	return &classified{kind: KindOrdering, err: withStackSkip(fmt.Errorf(format, args...), 2)}
}

func Transient(format string, args ...any) error {
	return &classified{kind: KindTransient, err: withStackSkip(fmt.Errorf(format, args...), 2)}
}

func Security(format string, args ...any) error {
	return &classified{kind: KindSecurity, err: withStackSkip(fmt.Errorf(format, args...), 2)}
}

// KindOf returns the outermost classification in err's chain.
func KindOf(err error) Kind {
	var c interface{ Kind() Kind }
	if errors.As(err, &c) {
		return c.Kind()
	}
	return KindUnknown
}

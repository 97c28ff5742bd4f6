package splitter

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat indicates the input is not an xlsx container.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrCorruptFile indicates the container looks like xlsx but cannot be read.
	ErrCorruptFile = errors.New("corrupt file")
	// ErrEmptyHeaderRow indicates the configured header row has no values.
	ErrEmptyHeaderRow = errors.New("empty header row")
	// ErrInvalidConfiguration indicates a split configuration that cannot be planned.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrIO indicates an output file could not be written.
	ErrIO = errors.New("io error")
	// ErrPackaging indicates the archive could not be assembled.
	ErrPackaging = errors.New("packaging error")
	// ErrCancelled indicates the work was cancelled by the caller.
	ErrCancelled = errors.New("cancelled")
)

// StageError carries the failure kind (one of the sentinel errors above)
// together with its cause.
type StageError struct {
	Stage string // "read", "plan", "execute", "pack"
	Sheet string
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	if e.Sheet != "" {
		return fmt.Sprintf("%s: %v in sheet %q: %v", e.Stage, e.Kind, e.Sheet, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func newStageError(stage, sheet string, kind, err error) *StageError {
	return &StageError{
		Stage: stage,
		Sheet: sheet,
		Kind:  kind,
		Err:   err,
	}
}

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

// Kind reports which sentinel error err belongs to, or nil.
func Kind(err error) error {
	for _, kind := range []error{
		ErrCancelled,
		ErrUnsupportedFormat,
		ErrCorruptFile,
		ErrEmptyHeaderRow,
		ErrInvalidConfiguration,
		ErrIO,
		ErrPackaging,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

package multierror

import (
	"errors"
	"slices"
)

type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	var s string
	for _, err := range m.errors {
		s += err.Error() + "\n"
	}
	return s
}

func (m *MultiError) Unwrap() []error {
	return m.errors
}

func (m *MultiError) Errors() []error {
	return m.errors
}

func (m *MultiError) Is(err error) bool {
	for _, e := range m.errors {
		if e == err {
			return true
		}
	}
	return false
}

func (m *MultiError) As(target any) bool {
	for _, e := range m.errors {
		if errors.As(e, target) {
			return true
		}
	}
	return false
}

// Append folds errs into err, growing a *MultiError as it goes. err may
// be nil (nothing accumulated yet), a plain error (exactly one so far),
// or an existing *MultiError; in every case the result keeps every error
// seen so far plus errs, never discarding a prior call's errors.
func Append(err error, errs ...error) error {
	if len(errs) == 0 {
		return err
	}

	if me, ok := err.(*MultiError); ok {
		return &MultiError{
			errors: append(slices.Clone(me.errors), errs...),
		}
	}

	all := errs
	if err != nil {
		all = append([]error{err}, errs...)
	}
	return &MultiError{errors: all}
}

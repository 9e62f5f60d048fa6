package normalizer

import (
	"strings"

	"hookrelay/pkg/errors"
)

// ValidationErrors collects every problem found in one validation stage.
type ValidationErrors []*errors.Error

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

func (v ValidationErrors) Unwrap() []error {
	errs := make([]error, 0, len(v))
	for _, e := range v {
		errs = append(errs, e)
	}
	return errs
}

func invalid(sentinel *errors.Error, field, message string) *errors.Error {
	e := sentinel.WithDetail("message", message)
	if field != "" {
		e = e.WithDetail("field", field)
	}
	return e
}

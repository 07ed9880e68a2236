package check

import (
	"fmt"

	"github.com/pkg/errors"
)

// Contains checks whether the actual value is one of expected.
func Contains(actual interface{}, expected []interface{}, msg string) error {
	for _, value := range expected {
		if value == actual {
			return nil
		}
	}
	return errors.Errorf("%s: %v not in %v", msg, actual, expected)
}

// GreaterThan checks actual > bound.
func GreaterThan[T int | int64 | float64](actual, bound T, msg string) error {
	if actual > bound {
		return nil
	}
	return errors.Errorf("%s: %v must be greater than %v", msg, actual, bound)
}

// GreaterThanOrEqualTo checks actual >= bound.
func GreaterThanOrEqualTo[T int | int64 | float64](actual, bound T, msg string) error {
	if actual >= bound {
		return nil
	}
	return errors.Errorf("%s: %v must be at least %v", msg, actual, bound)
}

// NotEmpty checks that a string is set.
func NotEmpty(actual, msg string) error {
	if actual != "" {
		return nil
	}
	return errors.New(fmt.Sprintf("%s must be set", msg))
}

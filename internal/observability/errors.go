package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors folds the non-nil errors of a multi-step operation, such as
// a staged shutdown, into one error. Each component failure is logged; nil is
// returned when every step succeeded.
func AggregateErrors(operation string, steps []error, fields ...Field) error {
	var failed []error
	for _, err := range steps {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	messages := make([]string, len(failed))
	for i, err := range failed {
		messages[i] = err.Error()
	}
	Log().Error(operation+" finished with errors",
		append(fields,
			Field{Key: "failed_steps", Value: len(failed)},
			Field{Key: "errors", Value: messages})...)
	return fmt.Errorf("%s: %w", operation, errors.Join(failed...))
}

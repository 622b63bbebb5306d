package extract

import (
	"errors"
	"fmt"
)

// ServiceError reports a failed extraction call: network trouble, a non-2xx
// status, or an unparseable response. It is recoverable per unit; the caller
// logs it and treats the unit's contribution as absent.
type ServiceError struct {
	Op     string
	Status int
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("extraction service %s failed (HTTP %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("extraction service %s failed: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// IsServiceError reports whether err is (or wraps) a ServiceError.
func IsServiceError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}

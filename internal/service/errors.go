// Package service provides the application operations behind the HTTP and
// socket surfaces. Handlers call its methods; business logic lives here,
// not in handlers.
package service

// ServiceError wraps an error with a code for API response mapping.
type ServiceError struct {
	Code    string // UNAUTHENTICATED, PERMISSION_DENIED, INVALID_ARGUMENT, LOCATION_REJECTED, SHIFT_ALREADY_ACTIVE, CONFLICT, NOT_FOUND, STORAGE, INTERNAL
	Message string
	Err     error
}

func (e *ServiceError) Error() string { return e.Message }
func (e *ServiceError) Unwrap() error { return e.Err }

func invalidArg(msg string) *ServiceError {
	return &ServiceError{Code: "INVALID_ARGUMENT", Message: msg}
}

func notFound(msg string) *ServiceError {
	return &ServiceError{Code: "NOT_FOUND", Message: msg}
}

func conflict(msg string) *ServiceError {
	return &ServiceError{Code: "CONFLICT", Message: msg}
}

// alreadyActive marks a duplicate shift start. Maps to 400, not 409.
func alreadyActive(msg string) *ServiceError {
	return &ServiceError{Code: "SHIFT_ALREADY_ACTIVE", Message: msg}
}

func unauthenticated(msg string) *ServiceError {
	return &ServiceError{Code: "UNAUTHENTICATED", Message: msg}
}

func permissionDenied(msg string) *ServiceError {
	return &ServiceError{Code: "PERMISSION_DENIED", Message: msg}
}

// locationRejected marks an update that failed a validation gate. Foreground
// rejections map to 400; background rejections are downgraded to a warning by
// the ingest pipeline before they reach a response writer.
func locationRejected(msg string) *ServiceError {
	return &ServiceError{Code: "LOCATION_REJECTED", Message: msg}
}

func storage(msg string, err error) *ServiceError {
	return &ServiceError{Code: "STORAGE", Message: msg, Err: err}
}

func internal(msg string, err error) *ServiceError {
	return &ServiceError{Code: "INTERNAL", Message: msg, Err: err}
}

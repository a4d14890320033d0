package engine

import "net/http"

// RejectError is a command rejection translated to a wire error. Code
// is the machine-readable reason returned in the response body.
type RejectError struct {
	Code   string
	Status int
}

func (e *RejectError) Error() string { return e.Code }

func reject(code string, status int) *RejectError {
	return &RejectError{Code: code, Status: status}
}

func badRequest(code string) *RejectError {
	return reject(code, http.StatusBadRequest)
}

// ErrWriteDisabled is returned by mutating commands on a replica.
var ErrWriteDisabled = &RejectError{Code: "write_disabled", Status: http.StatusServiceUnavailable}

package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sells-group/cloudcost-cli/internal/model"
	"github.com/sells-group/cloudcost-cli/internal/resilience"
)

// codeNotFound is the platform's error code for missing or inaccessible
// resources. It is returned with 404 but also, for some services, with 400.
const codeNotFound = "NotAuthorizedOrNotFound"

// APIError is a classified failure of one remote call.
type APIError struct {
	Kind    model.FailureKind
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	case e.Status != 0:
		return fmt.Sprintf("status %d", e.Status)
	}
	return string(e.Kind)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the single bounded retry applies: timeouts and
// transient upstream errors only.
func (e *APIError) Retryable() bool {
	if !e.Kind.Retryable() {
		return false
	}
	if e.Kind == model.FailureTimeout {
		return true
	}
	if errors.Is(e.Err, resilience.ErrCircuitOpen) {
		return false
	}
	if e.Status != 0 {
		return resilience.IsTransientHTTPStatus(e.Status)
	}
	return resilience.IsTransient(e.Err)
}

// errorBody is the platform's error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusError classifies a non-2xx response.
func statusError(status int, body errorBody) *APIError {
	e := &APIError{Status: status, Code: body.Code, Message: body.Message}
	switch {
	case status == http.StatusNotFound || body.Code == codeNotFound:
		e.Kind = model.FailureNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Kind = model.FailureTimeout
	default:
		e.Kind = model.FailureRemoteError
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// transportError classifies an error returned before a response arrived.
func transportError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if resilience.IsTimeout(err) {
		return &APIError{Kind: model.FailureTimeout, Message: "call timed out", Err: err}
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return &APIError{Kind: model.FailureRemoteError, Message: "circuit open", Err: err}
	}
	return &APIError{Kind: model.FailureRemoteError, Message: err.Error(), Err: err}
}

func malformed(err error, what string) *APIError {
	return &APIError{Kind: model.FailureMalformedResponse, Message: what + ": " + err.Error(), Err: err}
}

// asResult converts a classified error into a failed FetchResult.
func asResult(err error) model.FetchResult {
	e := transportError(err)
	res := model.Failed(e.Kind, e.Error())
	res.Status = e.Status
	return res
}

func isRetryable(err error) bool {
	var e *APIError
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return resilience.IsTransient(err)
}

// tripsBreaker reports whether err signals an unhealthy service. NOT_FOUND and
// malformed payloads are item problems and never open the circuit.
func tripsBreaker(err error) bool {
	var e *APIError
	if errors.As(err, &e) {
		return e.Kind == model.FailureTimeout || (e.Kind == model.FailureRemoteError && e.Retryable())
	}
	return resilience.IsTransient(err)
}

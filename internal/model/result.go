package model

// FailureKind classifies why a remote fetch (or the session around it) failed.
type FailureKind string

const (
	// FailureNotFound means the item no longer exists upstream. Expected, not an alarm.
	FailureNotFound FailureKind = "NOT_FOUND"
	// FailureTimeout means the call exceeded its bound.
	FailureTimeout FailureKind = "TIMEOUT"
	// FailureRemoteError means the upstream rejected or errored.
	FailureRemoteError FailureKind = "REMOTE_ERROR"
	// FailureMalformedResponse means the payload failed structural validation.
	FailureMalformedResponse FailureKind = "MALFORMED_RESPONSE"
	// FailureCacheIO means the persistence layer failed.
	FailureCacheIO FailureKind = "CACHE_IO_ERROR"
	// FailureEnumeration means the work-item set could not be obtained. Fatal.
	FailureEnumeration FailureKind = "ENUMERATION_FAILURE"
)

// Retryable reports whether a single bounded retry may change the outcome.
func (k FailureKind) Retryable() bool {
	return k == FailureTimeout || k == FailureRemoteError
}

// FetchResult is the outcome of one remote operation for one WorkItem: either
// a success carrying zero or more records, or a classified failure.
type FetchResult struct {
	Records   []Record    `json:"records,omitempty"`
	Failure   FailureKind `json:"failure,omitempty"`
	Message   string      `json:"message,omitempty"`
	Status    int         `json:"status,omitempty"` // upstream HTTP status when known
	FromCache bool        `json:"from_cache,omitempty"`
}

// Success builds a successful FetchResult.
func Success(records ...Record) FetchResult {
	return FetchResult{Records: records}
}

// Failed builds a failed FetchResult.
func Failed(kind FailureKind, message string) FetchResult {
	return FetchResult{Failure: kind, Message: message}
}

// OK reports whether the result is a success.
func (r FetchResult) OK() bool {
	return r.Failure == ""
}

// Outcome pairs a dispatched item with its result.
type Outcome struct {
	Item   WorkItem    `json:"item"`
	Result FetchResult `json:"result"`
}

// FailureSample is one diagnostic example of a per-item failure.
type FailureSample struct {
	ItemID  string      `json:"item_id" yaml:"item_id"`
	Kind    ItemKind    `json:"kind" yaml:"kind"`
	Failure FailureKind `json:"failure" yaml:"failure"`
	Message string      `json:"message" yaml:"message"`
}

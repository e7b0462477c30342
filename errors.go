// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package influxpool

import (
	"errors"
	"fmt"
)

var (
	// Error returned when the selected algorithm returns an index that
	// does not identify an available server.
	ErrAlgorithmIndex = errors.New("algorithm selected invalid server index")

	// Error returned when registering an algorithm under a name that is
	// already in use.
	ErrAlgorithmExists = errors.New("algorithm already registered")

	// Error returned when the configured algorithm name has not been
	// registered by the time a request is dispatched.
	ErrAlgorithmUnknown = errors.New("unknown load balancing algorithm")

	// Error returned when there is no server that can be selected for a
	// request.  No network operation has been attempted.
	ErrBackendUnavailable = errors.New("no backend server available")

	// Identifies an ErrorBatch for a non-empty batch that lacks the
	// required terminal newline.  This indicates a bug in the module.
	ErrBatchNotTerminated = errors.New("missing newline terminator")

	// Error returned by operations on a client after Close().
	ErrClientClosed = errors.New("client closed")

	// Error returned when the server responds with a status other than
	// success, unauthorized, or forbidden.  The error will be an
	// *ErrorResponse.
	ErrHTTPStatus = errors.New("unexpected HTTP status")

	// Error returned when some operation would combine batches that are
	// incompatible, e.g. the line protocol encodings do not have the same
	// precision.
	ErrIncompatibleBatch = errors.New("incompatible batch")

	// Error returned when a provided precision is not one of the
	// precisions supported by line protocol.
	ErrInvalidPrecision = errors.New("invalid precision")

	// Error returned when a point cannot be encoded, e.g. because it has
	// no measurement or no fields remain after validation.
	ErrPoint = errors.New("invalid point")

	// Error returned when a query descriptor cannot be rendered.
	ErrQuery = errors.New("invalid query")

	// Error returned when a schema cannot be registered.
	ErrSchema = errors.New("invalid schema")

	// Error returned by Response.StatementError() when the server reported
	// failure of a statement in an otherwise successful request.
	ErrStatement = errors.New("statement failed")

	// Error returned when the request could not be delivered or the
	// response could not be read, for reasons other than timeout.
	ErrNetwork = errors.New("network failure")

	// Error returned when the request did not complete within the
	// configured timeout.
	ErrTimeout = errors.New("request timed out")

	// Error returned when the server rejects the request credentials.
	// The error will be an *ErrorResponse carrying the status code.
	ErrUnauthorized = errors.New("unauthorized")
)

// ErrorBatch instances as error values are passed to panic() if the code
// encounters a Batch that violates a Batch contract requirement, e.g. a
// non-empty batch that lacks a newline terminator.  There *should* be no way
// to construct such a thing outside of the module testing environment; if
// this occurs there's probably a bug in this module.
type ErrorBatch struct {
	base  error
	Batch *Batch
}

func (e *ErrorBatch) Error() string {
	return e.base.Error()
}

func (e *ErrorBatch) Is(target error) bool {
	return errors.Is(e.base, target)
}

func makeErrorBatch(base error, batch *Batch) error {
	return &ErrorBatch{
		base:  base,
		Batch: batch,
	}
}

// ErrorResponse describes a request that reached a server and was rejected
// with an HTTP status.  It matches ErrUnauthorized for 401 and 403, and
// ErrHTTPStatus otherwise.
type ErrorResponse struct {
	base       error
	StatusCode int
	Server     string
	Message    string
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("%s: %s: %d %s", e.base.Error(), e.Server,
		e.StatusCode, e.Message)
}

func (e *ErrorResponse) Is(target error) bool {
	return target == e.base
}

func newErrorResponse(server string, status int, msg string) *ErrorResponse {
	base := ErrHTTPStatus
	if status == 401 || status == 403 {
		base = ErrUnauthorized
	}
	return &ErrorResponse{
		base:       base,
		StatusCode: status,
		Server:     server,
		Message:    msg,
	}
}

// errTransport identifies ErrTimeout and ErrNetwork failures while
// preserving the underlying cause.
type errTransport struct {
	base   error
	server string
	err    error
}

func (e *errTransport) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.base.Error(), e.server, e.err.Error())
}

func (e *errTransport) Is(target error) bool {
	return target == e.base || errors.Is(e.err, target)
}

func (e *errTransport) Unwrap() error {
	return e.err
}

// FlushError is returned by SyncWrite when the batched write fails.  The
// records remain queued; Batch holds a copy of those that were sent.
type FlushError struct {
	Batch *Batch
	err   error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("write of %d records failed: %s", e.Batch.NumPoints(),
		e.err.Error())
}

func (e *FlushError) Unwrap() error {
	return e.err
}

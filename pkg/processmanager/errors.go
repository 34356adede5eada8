package processmanager

import "errors"

// ErrBadErrorResponse is the fatal reason an instance terminates with
// when a user module's Error callback returns a response outside the
// tagged kinds: malformed error responses are always fatal, never
// retried or defaulted.
var ErrBadErrorResponse = errors.New("processmanager: error callback returned a malformed response")

// ErrStopUnspecified is used as the termination reason when a user
// module returns {stop} without a reason.
var ErrStopUnspecified = errors.New("processmanager: user module requested stop with no reason")

// ErrSubscribeFailed wraps a facade subscribe error observed by a
// router before it ever reaches Running.
var ErrSubscribeFailed = errors.New("processmanager: router failed to subscribe")

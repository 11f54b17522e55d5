package model

// ErrorKind is the stable error taxonomy from the delivery contract. It is a
// classification, not a Go error type: the sender, breaker, and dispatcher
// pass it around as a value and only wrap it in an error at the boundary
// that needs one.
type ErrorKind string

const (
	ErrNone ErrorKind = ""

	ErrValidationFailed  ErrorKind = "validation_failed"
	ErrDuplicate         ErrorKind = "duplicate"
	ErrQueueFull         ErrorKind = "queue_full"
	ErrBreakerOpen       ErrorKind = "breaker_open"
	ErrRateLimitUpstream ErrorKind = "rate_limited_upstream"
	ErrTimeout           ErrorKind = "timeout"
	ErrNetwork           ErrorKind = "network"
	ErrServer5xx         ErrorKind = "server_5xx"
	ErrClient4xx         ErrorKind = "client_4xx"
	ErrDeadlineExceeded  ErrorKind = "deadline_exceeded"
	ErrShuttingDown      ErrorKind = "shutting_down"
)

// Retryable reports whether a failure of this kind is eligible for another
// attempt by the sender.
func Retryable(k ErrorKind) bool {
	switch k {
	case ErrRateLimitUpstream, ErrTimeout, ErrNetwork, ErrServer5xx:
		return true
	default:
		return false
	}
}

// Terminal reports whether a failure of this kind ends the item's attempt
// sequence without a retry.
func Terminal(k ErrorKind) bool {
	switch k {
	case ErrClient4xx, ErrValidationFailed, ErrDeadlineExceeded:
		return true
	default:
		return false
	}
}

// AdmissionReason names why Enqueue refused an item. The zero value is
// never a rejection reason on its own; callers branch on AdmissionResult.Admitted.
type AdmissionReason string

const (
	ReasonNone            AdmissionReason = ""
	ReasonQueueFull       AdmissionReason = "queue_full"
	ReasonDuplicate       AdmissionReason = "duplicate"
	ReasonValidationError AdmissionReason = "validation_failed"
	ReasonShuttingDown    AdmissionReason = "shutting_down"
)

// AdmissionResult is the synchronous outcome of Enqueue.
type AdmissionResult struct {
	Admitted bool
	Reason   AdmissionReason
	// Err carries the underlying validation error when Reason is
	// ReasonValidationError; nil otherwise.
	Err error
}

// Admitted builds a successful AdmissionResult.
func Admitted() AdmissionResult { return AdmissionResult{Admitted: true} }

// Rejected builds a refusal AdmissionResult for the given reason.
func Rejected(reason AdmissionReason, err error) AdmissionResult {
	return AdmissionResult{Admitted: false, Reason: reason, Err: err}
}

// OutcomeKind distinguishes the three shapes a DeliveryOutcome can take.
type OutcomeKind int

const (
	OutcomeSucceeded OutcomeKind = iota
	OutcomeFailed
	OutcomeDropped
)

// DropReason names why an item was dropped rather than failed or retried.
type DropReason string

const (
	DropDeadlineExceeded DropReason = "deadline_exceeded"
	DropShuttingDown     DropReason = "shutting_down"
)

// DeliveryOutcome is the terminal classification of one item's delivery
// attempt sequence, as produced by the sender and observed by the
// dispatcher and store.
type DeliveryOutcome struct {
	Kind OutcomeKind

	// Succeeded fields.
	Latency    int64 // nanoseconds
	StatusCode int

	// Attempts is set on both Succeeded and Failed outcomes: the number
	// of HTTP attempts the delivery took.
	Attempts int

	// Failed fields.
	ErrorKind  ErrorKind
	LastStatus int

	// Dropped fields.
	DropReason DropReason
}

// Succeeded builds a successful DeliveryOutcome. attempts is the number of
// HTTP attempts the delivery took, including the final successful one.
func Succeeded(latencyNanos int64, statusCode int, attempts int) DeliveryOutcome {
	return DeliveryOutcome{Kind: OutcomeSucceeded, Latency: latencyNanos, StatusCode: statusCode, Attempts: attempts}
}

// Failed builds a terminal-failure DeliveryOutcome.
func Failed(kind ErrorKind, attempts int, lastStatus int) DeliveryOutcome {
	return DeliveryOutcome{Kind: OutcomeFailed, ErrorKind: kind, Attempts: attempts, LastStatus: lastStatus}
}

// Dropped builds a DeliveryOutcome for an item that was never sent to
// completion, e.g. on deadline exceeded or shutdown.
func Dropped(reason DropReason) DeliveryOutcome {
	return DeliveryOutcome{Kind: OutcomeDropped, DropReason: reason}
}

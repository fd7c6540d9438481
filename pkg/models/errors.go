package models

import "errors"

// Error kinds surfaced by the orchestration core. Callers match them with
// errors.Is; the HTTP layer maps each kind to a status code and a stable
// kind string that external clients (the talus CLI) render for users.
var (
	ErrUnknownWorker    = errors.New("unknown worker")
	ErrJobNotFound      = errors.New("job not found")
	ErrInvalidState     = errors.New("operation not valid for current job state")
	ErrWorkerMismatch   = errors.New("report from non-owning worker")
	ErrCapacityExceeded = errors.New("worker capacity exceeded")
	ErrTransportFailure = errors.New("transport failure")
	ErrResultPending    = errors.New("result pending")
)

var errKinds = map[string]error{
	"unknown_worker":    ErrUnknownWorker,
	"job_not_found":     ErrJobNotFound,
	"invalid_state":     ErrInvalidState,
	"worker_mismatch":   ErrWorkerMismatch,
	"capacity_exceeded": ErrCapacityExceeded,
	"transport_failure": ErrTransportFailure,
	"result_pending":    ErrResultPending,
}

// ErrorKind returns the stable wire identifier for a known error kind, or
// "internal" for anything else.
func ErrorKind(err error) string {
	for kind, sentinel := range errKinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return "internal"
}

// KindError resolves a wire identifier back to its sentinel so client-side
// callers can use errors.Is on responses. Unknown kinds map to nil.
func KindError(kind string) error {
	return errKinds[kind]
}

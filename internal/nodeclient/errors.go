package nodeclient

import "errors"

// Transient upstream errors, per spec.md §7 — retried, never surfaced
// directly to API clients during sync.
var (
	ErrUpstream5xx      = errors.New("upstream server error")
	ErrUpstreamRejected = errors.New("upstream rejected request")
	ErrNotFound         = errors.New("not found upstream")
	ErrNoHealthyClients = errors.New("no healthy upstream clients")
)

package beacon

import "errors"

// ErrNotReady reports that the beacon node is syncing or otherwise
// temporarily unable to serve requests. No HTTP status is mapped to it by
// Node's methods: a 503 surfaces as the transport's own error and counts
// as an ordinary failure.
var ErrNotReady = errors.New("beacon node not ready")

// ErrUnsupportedEndpoint is returned when the node's transport does not
// implement the provider interface a request needs. It does not count
// against a node's score the way other failures do. HTTP 405 responses
// are not mapped to it; they surface as the transport's own error.
var ErrUnsupportedEndpoint = errors.New("beacon node does not support this endpoint")

// ErrOptimistic is returned when a response is served from an optimistic
// (not yet verified against execution) head.
var ErrOptimistic = errors.New("response served from an optimistic head")

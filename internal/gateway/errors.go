package gateway

import "errors"

// Failure codes carried on wire error events and acks. The set is
// closed; clients dispatch on these strings.
const (
	CodeAccessDenied        = "access_denied"
	CodeVerifierUnavailable = "verifier_unavailable"
	CodeRateLimited         = "rate_limited"
	CodePersistenceFailure  = "persistence_failure"
	CodeBrokerUnavailable   = "broker_unavailable"
	CodeMalformedMessage    = "malformed_message"
)

// WebSocket close codes in the application range. Clients use these to
// decide whether a reconnect can succeed.
const (
	CloseAuthTimeout      = 4002 // authorization did not finish in time
	CloseAccessDenied     = 4003 // gating rule not satisfied; retry after holdings change
	CloseBanned           = 4004 // banned from the room
	CloseRoomFull         = 4005 // capacity reached
	CloseAbuse            = 4006 // sustained rate-limit abuse
	CloseReplaced         = 4007 // a newer session for the same principal took over
	CloseShutdown         = 1001
	CloseBufferExceeded   = 1013 // client too slow to drain its send buffer
)

var (
	// ErrPersistence marks a message write that failed after its
	// sequence number was reserved. No publish follows; the number is
	// tombstoned.
	ErrPersistence = errors.New("message persistence failed")
	// ErrBrokerUnavailable marks a publish failure after a successful
	// write. The message is durable; the recovery sweep republishes it.
	ErrBrokerUnavailable = errors.New("broker publish failed")
)

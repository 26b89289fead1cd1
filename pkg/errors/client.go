package errors

import (
	"fmt"
	"net/url"
)

// SanitizeURL strips any userinfo from a URL before it ends up in an error
// message or a log line.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}

/*
ConnectionError indicates the client could not reach the remote agent at the
network layer (DNS, TCP, TLS). It is retriable.
*/
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf(
		"connection to %s failed: %v (is the agent running and reachable?)",
		SanitizeURL(e.URL), e.Err,
	)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

/*
TimeoutError indicates a request or pool-acquisition deadline expired before
the remote agent answered. It is retriable.
*/
type TimeoutError struct {
	URL string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf(
		"request to %s timed out: %v (consider raising the request timeout)",
		SanitizeURL(e.URL), e.Err,
	)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

/*
RemoteError carries a JSON-RPC error body returned by the remote agent.
Application-level errors are never retried.
*/
type RemoteError struct {
	URL     string
	Code    int
	Message string
	Data    any
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote agent %s returned RPC error %d: %s",
		SanitizeURL(e.URL), e.Code, e.Message)
}

/*
CircuitOpenError is raised before any network call when the circuit breaker
for the target endpoint is open.
*/
type CircuitOpenError struct {
	URL                 string
	ConsecutiveFailures int
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf(
		"circuit breaker open for %s after %d consecutive failures (wait for the cooldown or check the agent)",
		SanitizeURL(e.URL), e.ConsecutiveFailures,
	)
}

/*
HandlerNotFoundError is returned by the handler registry when no handler is
registered for an envelope's payload type.
*/
type HandlerNotFoundError struct {
	PayloadType string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for payload type %q", e.PayloadType)
}

/*
PoolExhaustedError is returned when the bounded worker pool has no free
worker. The server surfaces it as HTTP 503 with a structured body.
*/
type PoolExhaustedError struct {
	MaxThreads    int
	ActiveThreads int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("worker pool exhausted: %d of %d workers busy",
		e.ActiveThreads, e.MaxThreads)
}

package session

import "fmt"

// SignalingError reports a failure talking to the signaling endpoint:
// the server is unreachable, returned a non-success status, or the
// reachability probe failed before the offer was sent.
type SignalingError struct {
	Op     string
	Status int
	Err    error
}

func (e *SignalingError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("signaling %s: status %d: %v", e.Op, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("signaling %s: status %d", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("signaling %s failed", e.Op)
	}
}

func (e *SignalingError) Unwrap() error { return e.Err }

// NegotiationError reports that offer/answer negotiation could not
// complete: a malformed answer, a rejected description, or a local
// SDP failure.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("negotiation %s failed", e.Op)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

package podcast

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshake marks a missing or mismatched connection/session acknowledgement.
	ErrHandshake = errors.New("podcast handshake failed")
	// ErrProtocol marks a frame that is not valid in the current state.
	ErrProtocol = errors.New("podcast protocol violation")
	// ErrRemote matches every *RemoteError.
	ErrRemote = errors.New("podcast server error")
	// ErrRoundFailed is returned when a round ends with its error flag set.
	ErrRoundFailed = errors.New("podcast round reported error")
	// ErrRoundIncomplete is returned when the session finishes with a round still open.
	ErrRoundIncomplete = errors.New("podcast session finished with an open round")
	// ErrRetriesExhausted is the job-level failure once the attempt budget is spent.
	ErrRetriesExhausted = errors.New("podcast retry budget exhausted")
	// ErrInvalidRequest marks a request rejected before any attempt.
	ErrInvalidRequest = errors.New("invalid podcast request")
	// ErrInvalidConfig marks a client configuration rejected by New.
	ErrInvalidConfig = errors.New("invalid podcast client config")
)

// RemoteError is an explicit error reported by the server.
type RemoteError struct {
	Code    uint32
	Event   EventType
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("podcast server error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("podcast server error (%s): %s", e.Event, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

func remoteError(msg *Message) *RemoteError {
	return &RemoteError{Code: msg.ErrorCode, Event: msg.Event, Message: string(msg.Payload)}
}

package models

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes failures reported to clients.
type ErrorCode string

const (
	// CodeRoomUnavailable: the registry could not produce the room (store load failure, corrupt snapshot).
	CodeRoomUnavailable ErrorCode = "ROOM_UNAVAILABLE"

	// CodeMergeRejected: the delta was malformed or referenced unseen state. Room state is untouched.
	CodeMergeRejected ErrorCode = "MERGE_REJECTED"

	// CodePersistenceFailed: the store rejected a save after all retries.
	CodePersistenceFailed ErrorCode = "PERSISTENCE_FAILED"

	// CodeDeliveryFailed: one recipient could not take a broadcast.
	CodeDeliveryFailed ErrorCode = "DELIVERY_FAILED"

	CodeNotJoined     ErrorCode = "NOT_JOINED"
	CodeBadRequest    ErrorCode = "BAD_REQUEST"
	CodeUnknownType   ErrorCode = "UNKNOWN_TYPE"
	CodeSessionClosed ErrorCode = "SESSION_CLOSED"
)

var errEmptyPayload = errors.New("empty payload")

// SyncError carries an ErrorCode plus the document it concerns.
type SyncError struct {
	Code       ErrorCode
	DocumentID string
	Err        error
	// Resync asks the client to request a full sync before sending more deltas.
	Resync bool
}

func NewSyncError(code ErrorCode, documentID string, err error) *SyncError {
	return &SyncError{Code: code, DocumentID: documentID, Err: err}
}

func (e *SyncError) Error() string {
	if e.DocumentID != "" {
		return fmt.Sprintf("%s: %v (document=%s)", e.Code, e.Err, e.DocumentID)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsCode reports whether err (or anything it wraps) is a SyncError with code.
func IsCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// ErrorPayload is the data of an "error" frame.
type ErrorPayload struct {
	Code       ErrorCode `json:"code"`
	DocumentID string    `json:"documentId,omitempty"`
	Message    string    `json:"message"`
	Resync     bool      `json:"resync,omitempty"`
}

// ErrorFrame renders err for the wire. Errors without a code are reported as
// BAD_REQUEST.
func ErrorFrame(err error) WSFrame {
	payload := ErrorPayload{Code: CodeBadRequest, Message: err.Error()}
	var se *SyncError
	if errors.As(err, &se) {
		payload.Code = se.Code
		payload.DocumentID = se.DocumentID
		payload.Resync = se.Resync
		if se.Err != nil {
			payload.Message = se.Err.Error()
		}
	}
	return WSFrame{Type: TypeError, Data: payload}
}

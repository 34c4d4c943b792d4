package contracts

import (
	"errors"
	"fmt"
	"reflect"
)

// ResponseError describes a single field or sub-error in a ResponseStatus
type ResponseError struct {
	ErrorCode string `json:"errorCode"`
	FieldName string `json:"fieldName,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ResponseStatus is the structured error attached to failed messages and error replies
type ResponseStatus struct {
	ErrorCode  string            `json:"errorCode"`
	Message    string            `json:"message,omitempty"`
	StackTrace string            `json:"stackTrace,omitempty"`
	Errors     []ResponseError   `json:"errors,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Error implements error so a status can travel as one
func (s *ResponseStatus) Error() string {
	if s.Message == "" {
		return s.ErrorCode
	}
	return fmt.Sprintf("%s: %s", s.ErrorCode, s.Message)
}

// ErrorResponse is the body of a reply to a request that failed terminally
type ErrorResponse struct {
	ResponseStatus *ResponseStatus `json:"responseStatus"`
}

// MessagingError represents a transport fault raised by a queue client operation
type MessagingError struct {
	Op       string          // Operation that failed
	Queue    string          // Queue involved, if any
	Status   *ResponseStatus // Structured status
	Response any             // Optional response payload
	Err      error           // Underlying error
}

// NewMessagingError wraps err as a transport fault of op on queue
func NewMessagingError(op, queue string, err error) *MessagingError {
	return &MessagingError{
		Op:     op,
		Queue:  queue,
		Status: ToResponseStatus(err),
		Err:    err,
	}
}

func (e *MessagingError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("messaging error: %s on queue %s: %v", e.Op, e.Queue, e.Err)
	}
	return fmt.Sprintf("messaging error: %s: %v", e.Op, e.Err)
}

func (e *MessagingError) Unwrap() error {
	return e.Err
}

// ToResponseStatus converts any error into a ResponseStatus
func ToResponseStatus(err error) *ResponseStatus {
	if err == nil {
		return nil
	}

	var status *ResponseStatus
	if errors.As(err, &status) {
		return cloneStatus(status, err)
	}

	var msgErr *MessagingError
	if errors.As(err, &msgErr) && msgErr.Status != nil {
		return cloneStatus(msgErr.Status, err)
	}

	return &ResponseStatus{
		ErrorCode: errorCode(err),
		Message:   err.Error(),
	}
}

func cloneStatus(s *ResponseStatus, err error) *ResponseStatus {
	out := *s
	if out.Message == "" {
		out.Message = err.Error()
	}
	if s.Errors != nil {
		out.Errors = append([]ResponseError(nil), s.Errors...)
	}
	if s.Meta != nil {
		out.Meta = make(map[string]string, len(s.Meta))
		for k, v := range s.Meta {
			out.Meta[k] = v
		}
	}
	return &out
}

// errorCode names the innermost error type, e.g. "ValidationError"
func errorCode(err error) string {
	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}

	t := reflect.TypeOf(root)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	name := t.Name()
	if name == "" || name == "errorString" {
		return "Exception"
	}
	return name
}

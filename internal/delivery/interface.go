package delivery

import (
	"errors"
)

// Version is reported in the User-Agent header.
const Version = "0.3.0"

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrSerialization        = errors.New("serialization error")
)

// StatusTransportFailure is the Response status used when no HTTP status exists,
// e.g. connection failures or events that could not be encoded.
const StatusTransportFailure = -1

type Event map[string]any

type Response struct {
	Status int
	Error  string
}

func NewResponse(status int, err string) Response {
	return Response{Status: status, Error: err}
}

func (r Response) OK() bool {
	return r.Status == 200
}

// ErrorHandler receives every non-200 outcome. It runs on the worker goroutine.
type ErrorHandler func(Response)

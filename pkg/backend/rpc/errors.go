package rpc

import (
	"context"
	"errors"

	"github.com/adammck/fixture/pkg/api"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var codeErrors = []struct {
	code codes.Code
	err  error
}{
	{codes.NotFound, api.ErrNotFound},
	{codes.AlreadyExists, api.ErrAlreadyExists},
	{codes.Unavailable, api.ErrUnavailable},
	{codes.InvalidArgument, api.ErrInvalidArgument},
	{codes.DeadlineExceeded, api.ErrTimeout},
}

// statusError converts an error from a backend into a status error, so that
// the client can recover the sentinel.
func statusError(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}

	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return status.Error(ce.code, err.Error())
		}
	}

	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}

	return status.Error(codes.Unknown, err.Error())
}

// remoteError is an error returned by the server, which still matches the
// sentinel that it was created from.
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string {
	return e.msg
}

func (e *remoteError) Unwrap() error {
	return e.sentinel
}

// clientError is the inverse of statusError. Transport failures come back as
// Unavailable, so also become api.ErrUnavailable.
func clientError(err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.Canceled:
		return context.Canceled
	}

	for _, ce := range codeErrors {
		if st.Code() == ce.code {
			return &remoteError{msg: st.Message(), sentinel: ce.err}
		}
	}

	return errors.New(st.Message())
}

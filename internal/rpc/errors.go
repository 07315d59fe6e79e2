// Package rpc holds the gRPC server plumbing shared by orrery services:
// request IDs, access logging, span attributes and status mapping.
package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/orrery/core"
	"github.com/signalsfoundry/orrery/kb"
)

// ToStatusError maps the errors engine queries can return onto gRPC status
// codes. Errors that already carry a status pass through unchanged.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, kb.ErrBodyNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, core.ErrNotKeplerian):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}

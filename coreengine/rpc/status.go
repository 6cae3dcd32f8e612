package rpc

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/flowkernel/coreengine/kernel"
)

// statusFromError converts a kernel error into a gRPC status. The kernel
// error kind maps onto the closest canonical code; anything unrecognized
// reports Internal.
func statusFromError(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch kernel.KindOf(err) {
	case kernel.ErrValidation:
		code = codes.InvalidArgument
	case kernel.ErrNotFound:
		code = codes.NotFound
	case kernel.ErrQuotaExceeded:
		code = codes.ResourceExhausted
	case kernel.ErrStateTransition:
		code = codes.FailedPrecondition
	case kernel.ErrCancelled:
		code = codes.Canceled
	case kernel.ErrTimeout:
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

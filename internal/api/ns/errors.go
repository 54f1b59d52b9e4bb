package ns

import (
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/brocaar/chirpstack-p2p/internal/storage"
)

// ErrNotActivated is returned when the device has no session.
var ErrNotActivated = errors.New("device is not activated")

var errToCode = map[error]codes.Code{
	ErrNotActivated: codes.NotFound,

	storage.ErrDoesNotExist: codes.NotFound,
}

func errToRPCError(err error) error {
	cause := errors.Cause(err)
	code, ok := errToCode[cause]
	if !ok {
		code = codes.Unknown
	}
	return status.Error(code, cause.Error())
}

package frame

import "github.com/pkg/errors"

// errors
var (
	ErrLengthOutOfBounds        = errors.New("frame length out of bounds")
	ErrUnsupportedMType         = errors.New("unsupported message type")
	ErrFOptsLengthTooLarge      = errors.New("frame options length too large")
	ErrInvalidJoinRequestLength = errors.New("invalid join-request length")
	ErrInvalidMIC               = errors.New("invalid mic")
	ErrFrameTooLarge            = errors.New("frame too large")
	ErrNotDataFrame             = errors.New("frame is not a data frame")
)

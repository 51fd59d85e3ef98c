package rail

import "errors"

var (
	ErrUnknownRail  = errors.New("unknown rail")
	ErrOutOfBounds  = errors.New("voltage outside rail limits")
	ErrReadOnly     = errors.New("rail is read-only")
	ErrUnsupported  = errors.New("driver does not support voltage writes")
	ErrHandleAbsent = errors.New("rail handle not resolved")
)

package protocol

import "errors"

var (
	ErrMalformedEnvelope = errors.New("protocol: malformed envelope")
	ErrMissingID         = errors.New("protocol: missing id")
	ErrMissingMethod     = errors.New("protocol: missing method")
	ErrMissingEvent      = errors.New("protocol: missing event")
	ErrInvalidKind       = errors.New("protocol: invalid kind")
	ErrInvalidStatus     = errors.New("protocol: invalid status")
	ErrEnvelopeTooLarge  = errors.New("protocol: envelope too large")
)

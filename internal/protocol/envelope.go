package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Protocol version negotiated during auth.connect.
const Version = "1"

// MaxEnvelopeBytes bounds one encoded envelope line.
const MaxEnvelopeBytes = 256 * 1024

// Kind discriminates the three envelope shapes on the wire.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindStream   Kind = "stream"
)

// Status is the response outcome discriminator.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrorDetail is the typed error field carried by error responses.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is one wire message. A request carries ID/Method/Params, a
// response carries ID/Status plus Result or Error, a stream carries
// Event/Data and is never correlated to a request.
type Envelope struct {
	ID          string          `json:"id,omitempty"`
	Kind        Kind            `json:"kind"`
	Method      string          `json:"method,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Status      Status          `json:"status,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ErrorDetail    `json:"error,omitempty"`
	Event       string          `json:"event,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	TimestampMS uint64          `json:"timestamp"`
}

func (e Envelope) Validate() error {
	switch e.Kind {
	case KindRequest:
		if strings.TrimSpace(e.ID) == "" {
			return fmt.Errorf("%w: request", ErrMissingID)
		}
		if strings.TrimSpace(e.Method) == "" {
			return fmt.Errorf("%w: request id=%q", ErrMissingMethod, e.ID)
		}
	case KindResponse:
		if strings.TrimSpace(e.ID) == "" {
			return fmt.Errorf("%w: response", ErrMissingID)
		}
		if e.Status != StatusSuccess && e.Status != StatusError {
			return fmt.Errorf("%w: %q", ErrInvalidStatus, e.Status)
		}
		if e.Status == StatusError && e.Error == nil {
			return fmt.Errorf("%w: error response missing error detail", ErrMalformedEnvelope)
		}
	case KindStream:
		if strings.TrimSpace(e.Event) == "" {
			return ErrMissingEvent
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, e.Kind)
	}
	return nil
}

// Encode renders one envelope as a newline-terminated JSON line.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.TimestampMS == 0 {
		env.TimestampMS = uint64(time.Now().UnixMilli())
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if len(payload) > MaxEnvelopeBytes {
		return nil, ErrEnvelopeTooLarge
	}
	return append(payload, '\n'), nil
}

// Decode parses one envelope line. Structural failures yield
// ErrMalformedEnvelope; callers log and drop rather than tearing down
// the connection.
func Decode(line []byte) (Envelope, error) {
	if len(line) > MaxEnvelopeBytes {
		return Envelope{}, ErrEnvelopeTooLarge
	}
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// ReadEnvelope reads and decodes the next newline-delimited envelope.
func ReadEnvelope(r *bufio.Reader) (Envelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if len(line) > 0 && err == io.EOF {
			return Envelope{}, io.ErrUnexpectedEOF
		}
		return Envelope{}, err
	}
	return Decode(line)
}

// NewRequest builds a request envelope, marshalling params.
func NewRequest(id, method string, params any) (Envelope, error) {
	env := Envelope{
		ID:          id,
		Kind:        KindRequest,
		Method:      method,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: marshal params: %v", ErrMalformedEnvelope, err)
		}
		env.Params = raw
	}
	return env, nil
}

// NewResult builds a success response for the given request id.
func NewResult(id string, result any) (Envelope, error) {
	env := Envelope{
		ID:          id,
		Kind:        KindResponse,
		Status:      StatusSuccess,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: marshal result: %v", ErrMalformedEnvelope, err)
		}
		env.Result = raw
	}
	return env, nil
}

// NewErrorResponse builds an error response with a stable code.
func NewErrorResponse(id, code, message string) Envelope {
	return Envelope{
		ID:          id,
		Kind:        KindResponse,
		Status:      StatusError,
		Error:       &ErrorDetail{Code: code, Message: message},
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
}

// NewStream builds a stream envelope for instance fan-out.
func NewStream(event string, data any) (Envelope, error) {
	env := Envelope{
		Kind:        KindStream,
		Event:       event,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: marshal data: %v", ErrMalformedEnvelope, err)
		}
		env.Data = raw
	}
	return env, nil
}

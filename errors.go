package ocppnet

import (
	"errors"
	"fmt"
)

var (
	ErrRequestTimeout  = fmt.Errorf("request timeout")
	ErrRequestNotFound = fmt.Errorf("request not found")
	ErrDuplicateID     = fmt.Errorf("duplicate request id")
	ErrCancelled       = fmt.Errorf("request wait cancelled")
	ErrUnknownClient   = fmt.Errorf("unknown client")
	ErrNotConnected    = fmt.Errorf("not connected")
	ErrSendGateTimeout = fmt.Errorf("timeout acquiring connection send gate")
	ErrPayloadTooLarge = fmt.Errorf("payload exceeds configured maximum")
	ErrEmptyAction     = fmt.Errorf("action must not be empty")
)

// ErrorCode is the OCPP CALLERROR error code. The string values are stable
// and appear verbatim on the wire.
type ErrorCode string

const (
	ErrorNotImplemented               ErrorCode = "NotImplemented"
	ErrorNotSupported                 ErrorCode = "NotSupported"
	ErrorInternalError                ErrorCode = "InternalError"
	ErrorProtocolError                ErrorCode = "ProtocolError"
	ErrorSecurityError                ErrorCode = "SecurityError"
	ErrorFormationViolation           ErrorCode = "FormationViolation"
	ErrorPropertyConstraintViolation  ErrorCode = "PropertyConstraintViolation"
	ErrorOccurenceConstraintViolation ErrorCode = "OccurenceConstraintViolation"
	ErrorTypeConstraintViolation      ErrorCode = "TypeConstraintViolation"
	ErrorGenericError                 ErrorCode = "GenericError"
	ErrorTimeout                      ErrorCode = "Timeout"
)

var knownErrorCodes = map[ErrorCode]struct{}{
	ErrorNotImplemented:               {},
	ErrorNotSupported:                 {},
	ErrorInternalError:                {},
	ErrorProtocolError:                {},
	ErrorSecurityError:                {},
	ErrorFormationViolation:           {},
	ErrorPropertyConstraintViolation:  {},
	ErrorOccurenceConstraintViolation: {},
	ErrorTypeConstraintViolation:      {},
	ErrorGenericError:                 {},
	ErrorTimeout:                      {},
}

// ParseErrorCode maps a wire string to an ErrorCode. Unknown codes map to
// ErrorGenericError with ok=false so callers can keep the original text.
func ParseErrorCode(s string) (ErrorCode, bool) {
	code := ErrorCode(s)
	if _, ok := knownErrorCodes[code]; ok {
		return code, true
	}
	return ErrorGenericError, false
}

func (c ErrorCode) String() string {
	return string(c)
}

// SendStatus is the outcome of handing a message to the transport.
type SendStatus uint8

const (
	SendSuccess SendStatus = iota
	// SendUnknownClient means no live connection exists for the destination.
	SendUnknownClient
	// SendTransmissionFailed means the transport (or the send gate) failed.
	SendTransmissionFailed
)

func (s SendStatus) String() string {
	switch s {
	case SendSuccess:
		return "Success"
	case SendUnknownClient:
		return "UnknownClient"
	case SendTransmissionFailed:
		return "TransmissionFailed"
	default:
		return fmt.Sprintf("SendStatus(%d)", uint8(s))
	}
}

// innermostError follows the Unwrap chain to the deepest error. Joined
// errors are followed through their first element.
func innermostError(err error) error {
	for err != nil {
		var next error
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			if errs := u.Unwrap(); len(errs) > 0 {
				next = errs[0]
			}
		default:
			next = errors.Unwrap(err)
		}
		if next == nil {
			return err
		}
		err = next
	}
	return nil
}

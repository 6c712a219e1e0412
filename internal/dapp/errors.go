package dapp

import (
	"fmt"

	"stellawallet.io/stella-wallet/pkg/errors"
)

// ErrorCode is the numeric code returned to dapps. Codes below 1000 follow
// the connect/method error space most dapp SDKs understand; the higher codes
// distinguish outcomes the wire protocols collapse together.
type ErrorCode int

const (
	CodeUnknown            ErrorCode = 0
	CodeBadRequest         ErrorCode = 1
	CodeManifestNotFound   ErrorCode = 2
	CodeManifestContent    ErrorCode = 3
	CodeUnknownApp         ErrorCode = 100
	CodeUserRejected       ErrorCode = 300
	CodeMethodNotSupported ErrorCode = 400

	CodeTimeout          ErrorCode = 408
	CodeNetworkMismatch  ErrorCode = 421
	CodeBroadcastFailure ErrorCode = 502
	CodeTransportError   ErrorCode = 503
)

// DisplayError marks an error as worth surfacing to the user. Pure protocol
// bookkeeping failures carry none and go back to the dapp silently.
type DisplayError string

const (
	DisplayUnexpected          DisplayError = "unexpected"
	DisplayServerUnreachable   DisplayError = "serverUnreachable"
	DisplayInsufficientBalance DisplayError = "insufficientBalance"
	DisplayWrongNetwork        DisplayError = "wrongNetwork"
	DisplayWrongAddress        DisplayError = "wrongAddress"
	DisplayPartialFailure      DisplayError = "partialTransactionFailure"
	DisplayInvalidLink         DisplayError = "invalidConnectionLink"
)

// Error is the typed protocol error carried inside unified results.
type Error struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Display DisplayError `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("dapp protocol error %d: %s", e.Code, e.Message)
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func BadRequest(message string) *Error {
	if message == "" {
		message = "Bad request"
	}
	return &Error{Code: CodeBadRequest, Message: message}
}

func BadRequestDisplay(message string, display DisplayError) *Error {
	err := BadRequest(message)
	err.Display = display
	return err
}

func ManifestNotFound() *Error {
	return &Error{Code: CodeManifestNotFound, Message: "Manifest not found"}
}

func ManifestContent() *Error {
	return &Error{Code: CodeManifestContent, Message: "Manifest content error"}
}

func UnknownApp() *Error {
	return &Error{Code: CodeUnknownApp, Message: "Unknown app"}
}

func UserRejected() *Error {
	return &Error{Code: CodeUserRejected, Message: "The user rejected the action"}
}

func Timeout() *Error {
	return &Error{Code: CodeTimeout, Message: "The confirmation deadline has expired"}
}

func MethodNotSupported(method string) *Error {
	return &Error{Code: CodeMethodNotSupported, Message: fmt.Sprintf("Method %q is not supported", method)}
}

func NetworkMismatch() *Error {
	return &Error{
		Code:    CodeNetworkMismatch,
		Message: "The requested network does not match the active account network",
		Display: DisplayWrongNetwork,
	}
}

func BroadcastFailure(message string, display DisplayError) *Error {
	if message == "" {
		message = "Failed transfers"
	}
	return &Error{Code: CodeBroadcastFailure, Message: message, Display: display}
}

func TransportError(message string) *Error {
	return &Error{Code: CodeTransportError, Message: message}
}

func Unexpected(err error) *Error {
	message := "Unhandled error"
	if err != nil {
		message = err.Error()
	}
	return &Error{Code: CodeUnknown, Message: message, Display: DisplayUnexpected}
}

// AsProtocolError maps any error onto the typed protocol space, keeping
// already-typed errors intact even when wrapped.
func AsProtocolError(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return Unexpected(err)
}

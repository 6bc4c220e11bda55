// Package protocol defines the CSH response-code taxonomy, the typed error
// carried through the dispatcher, and the typed request structs decoded
// from wire mappings.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
)

// Code is a CSH response code. 0 is success; everything else is a failure
// accompanied by a human-readable error string.
type Code int64

const (
	CodeOK               Code = 0
	CodeInvalidSession   Code = 1
	CodeLogoutFailed     Code = 2
	CodeNotFound         Code = 3
	CodeFilesystem       Code = 4
	CodeBadWriteData     Code = 5
	CodeBadWriteMode     Code = 6
	CodeRespondFailed    Code = 7
	CodeBadMagic         Code = 8
	CodeMissingCommand   Code = 9
	CodeUnknownCommand   Code = 10
	CodeInternal         Code = 11
	CodeMissingCreds     Code = 12
	CodeNoSuchUser       Code = 13
	CodeBadPassword      Code = 14
	CodeMissingSession   Code = 15
	CodeMissingArgs      Code = 16
	CodeCommandFailed    Code = 17
	CodeInvalidPath      Code = 18
	CodePermissionDenied Code = 19
	CodeRateLimited      Code = 20
	CodeSerializeFailed  Code = 21
	CodeBadArguments     Code = 22
	CodeBackupExists     Code = 23
	CodeSessionLimit     Code = 24
)

// Error is a protocol-level failure: a non-zero code plus a message safe to
// return to the client. Messages never contain absolute host paths.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("csh error %d: %s", e.Code, e.Message)
}

// Errf builds a protocol error with a formatted client-safe message.
func Errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a protocol error from any error, wrapping unknown
// failures under the given fallback code.
func AsError(err error, fallback Code) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: fallback, Message: fmt.Sprintf("Error preforming command: [%v]", err)}
}

// MapFSError converts a host filesystem error into the protocol taxonomy:
// not-found becomes code 3 with a masked message quoting only the
// client-supplied path (as a JSON string), everything else becomes code 4
// naming the operation. The raw OS error text is withheld from the client
// because it tends to contain absolute host paths.
func MapFSError(err error, noun, verb, clientPath string) *Error {
	if errors.Is(err, fs.ErrNotExist) {
		return Errf(CodeNotFound, "%s %s not found.", noun, QuotePath(clientPath))
	}
	return Errf(CodeFilesystem, "Error with %s.", verb)
}

// QuotePath renders a client-supplied path as a JSON string for error
// messages.
func QuotePath(path string) string {
	quoted, _ := json.Marshal(path)
	return string(quoted)
}

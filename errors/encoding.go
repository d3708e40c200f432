package errors

import (
	"encoding/json"
	"strings"

	"google.golang.org/grpc/codes"
)

var codeNames = map[codes.Code]string{
	codes.Canceled:           "canceled",
	codes.Unknown:            "unknown",
	codes.InvalidArgument:    "invalid_argument",
	codes.DeadlineExceeded:   "deadline_exceeded",
	codes.NotFound:           "not_found",
	codes.AlreadyExists:      "already_exists",
	codes.PermissionDenied:   "permission_denied",
	codes.ResourceExhausted:  "resource_exhausted",
	codes.FailedPrecondition: "failed_precondition",
	codes.Aborted:            "aborted",
	codes.OutOfRange:         "out_of_range",
	codes.Unimplemented:      "unimplemented",
	codes.Internal:           "internal",
	codes.Unavailable:        "unavailable",
	codes.DataLoss:           "data_loss",
	codes.Unauthenticated:    "unauthenticated",
}

var codesByName = func() map[string]codes.Code {
	m := make(map[string]codes.Code, len(codeNames))
	for c, n := range codeNames {
		m[n] = c
	}
	return m
}()

// CodeName returns the wire name of a code, e.g. "deadline_exceeded".
func CodeName(code codes.Code) string {
	if n, ok := codeNames[code]; ok {
		return n
	}
	return codeNames[codes.Unknown]
}

// ParseCode is the inverse of CodeName. Unrecognised names are reported as not ok.
func ParseCode(name string) (codes.Code, bool) {
	c, ok := codesByName[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

type wireError struct {
	Code    string   `json:"code"`
	Message string   `json:"message,omitempty"`
	Details []Detail `json:"details,omitempty"`
}

// Encode converts any error into its codec-independent wire form.
func Encode(err error) json.RawMessage {
	cerr := From(err)
	b, merr := json.Marshal(wireError{Code: CodeName(cerr.Code), Message: cerr.Msg, Details: cerr.Details})
	if merr != nil {
		// Details are plain bytes so this cannot happen in practice
		b, _ = json.Marshal(wireError{Code: CodeName(cerr.Code), Message: cerr.Msg})
	}
	return b
}

// Decode converts the wire form back into a ChanError. It never fails: anything that is not a well formed encoded
// error becomes an Unknown error carrying the raw text.
func Decode(raw []byte) ChanError {
	var we wireError
	if err := json.Unmarshal(raw, &we); err != nil {
		return NewErrorf(codes.Unknown, "undecodable error: %s", string(raw))
	}
	code, ok := ParseCode(we.Code)
	if !ok {
		code = codes.Unknown
	}
	msg := we.Message
	if msg == "" {
		msg = CodeName(code)
	}
	return ChanError{Code: code, Msg: msg, Details: we.Details}
}

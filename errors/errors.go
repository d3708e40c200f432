// Copyright 2024 The Tektite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	log "github.com/spirit-labs/chanrpc/logger"
	"google.golang.org/grpc/codes"
)

// ErrDisconnected is returned when sending on a channel that is no longer open.
var ErrDisconnected = pkgerrors.New("channel disconnected")

// ChanError is the error type that crosses channel boundaries. It carries a code, a message and optional details, and
// is what every terminal failure of a call or stream resolves to on the caller side.
type ChanError struct {
	Code    codes.Code
	Msg     string
	Details []Detail
}

type Detail struct {
	Type  string `json:"type"`
	Value []byte `json:"value,omitempty"`
}

func (e ChanError) Error() string {
	return e.Msg
}

func (e ChanError) WithDetail(typ string, value []byte) ChanError {
	details := make([]Detail, len(e.Details), len(e.Details)+1)
	copy(details, e.Details)
	e.Details = append(details, Detail{Type: typ, Value: value})
	return e
}

func NewError(code codes.Code, msg string) ChanError {
	return ChanError{Code: code, Msg: msg}
}

func NewErrorf(code codes.Code, msgFormat string, args ...interface{}) ChanError {
	return NewError(code, fmt.Sprintf(msgFormat, args...))
}

func NewUnavailableError(msg string) ChanError {
	return NewError(codes.Unavailable, msg)
}

func NewInvalidConfigurationError(msg string) ChanError {
	return NewErrorf(codes.InvalidArgument, "invalid configuration: %s", msg)
}

// NewInternalError logs the cause with a random reference and returns an error that only contains the reference, so
// internals are never leaked across a channel.
func NewInternalError(err error) ChanError {
	ref := uuid.New().String()
	log.Errorf("internal error (reference %s) occurred %+v", ref, err)
	return NewErrorf(codes.Internal, "internal error - reference: %s please consult logs for details", ref)
}

// CodeOf returns the code carried by err. Errors that are not ChanErrors map context errors to their codes and
// everything else to codes.Unknown.
func CodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var cerr ChanError
	if As(err, &cerr) {
		return cerr.Code
	}
	switch {
	case Is(err, context.Canceled):
		return codes.Canceled
	case Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case Is(err, ErrDisconnected):
		return codes.Unavailable
	}
	return codes.Unknown
}

// From converts any error into a ChanError, keeping the code and message of the first ChanError in the chain.
func From(err error) ChanError {
	var cerr ChanError
	if As(err, &cerr) {
		return cerr
	}
	return NewError(CodeOf(err), err.Error())
}

func IsChanErrorWithCode(err error, code codes.Code) bool {
	var cerr ChanError
	if As(err, &cerr) {
		return cerr.Code == code
	}
	return false
}

func IsUnavailableError(err error) bool {
	return IsChanErrorWithCode(err, codes.Unavailable)
}

func IsDisconnected(err error) bool {
	return Is(err, ErrDisconnected)
}

func New(msg string) error {
	return pkgerrors.New(msg)
}

func Errorf(format string, args ...interface{}) error {
	return pkgerrors.Errorf(format, args...)
}

func WithStack(err error) error {
	return pkgerrors.WithStack(err)
}

func Wrap(err error, msg string) error {
	return pkgerrors.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}

func Is(err, target error) bool {
	return pkgerrors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return pkgerrors.As(err, target)
}

// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

// Package apperror defines the error taxonomy shared by the account,
// vault, store, trust, invitation, and session layers. Callers match
// on the code with [CodeOf] or errors.As:
//
//	if apperror.CodeOf(err) == apperror.WrongPassword { ... }
//
// Validation errors (missing username, invalid characters) are raised
// synchronously before any I/O. Recoverable errors (WrongPassword)
// invite a retry; fatal ones (missing server configuration) leave the
// app unusable until fixed.
package apperror

import (
	"errors"
	"fmt"
)

// Code classifies a domain failure. The values are stable identifiers
// that survive wrapping and serialization.
type Code string

const (
	UsernameMissing        Code = "UsernameMissing"
	PasswordMissing        Code = "PasswordMissing"
	UsernameInvalid        Code = "UsernameInvalid"
	UsernameExists         Code = "UsernameExists"
	UsernameDoesNotExist   Code = "UsernameDoesNotExist"
	WrongPassword          Code = "WrongPassword"
	EncryptionCorrupted    Code = "EncryptionCorrupted"
	NotLoggedIn            Code = "NotLoggedIn"
	ObjectDoesNotExist     Code = "ObjectDoesNotExist"
	UserHasNoOrganization  Code = "UserHasNoOrganization"
	NoTeam                 Code = "NoTeam"
	Timeout                Code = "TIMEOUT"
	InvitationProofInvalid Code = "INVITATION_PROOF_INVALID"
	AppIsReadOnly          Code = "AppIsReadOnly"
	GenericError           Code = "GenericError"
)

// Error is a failure carrying a taxonomy code. Wrapping preserves the
// code: errors.As finds the innermost *Error, and CodeOf reads it.
type Error struct {
	// Code is the taxonomy classification.
	Code Code

	// Message is optional human-readable context.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error with the given code.
func New(code Code) error {
	return &Error{Code: code}
}

// Newf returns an error with the given code and a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying cause. Returns nil if err is
// nil.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the taxonomy code from err, or the empty string if
// err carries none.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

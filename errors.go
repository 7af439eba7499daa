// Copyright © 2026, SAS Institute Inc., Cary, NC, USA.  All Rights Reserved.
// SPDX-License-Identifier: BSD-3-Clause

package pdfcore

import (
	"errors"
	"fmt"
)

// Sentinel errors reported by the reader core. Callers are expected to test
// them with errors.Is so that wrapped context (byte offsets, object numbers)
// can be carried alongside.
var (
	// ErrUnexpectedEOF reports that the file ended in the middle of a token,
	// object or stream payload.
	ErrUnexpectedEOF = errors.New("pdf: unexpected end of file")

	// ErrInvalidXref reports that no usable cross-reference information could
	// be located, even after the brute-force rebuild.
	ErrInvalidXref = errors.New("pdf: invalid cross-reference data")

	// ErrFilterData reports that a stream filter encountered corrupt input.
	ErrFilterData = errors.New("pdf: corrupt filter data")

	// ErrDecryption reports a structural decryption failure, e.g. ciphertext
	// shorter than an AES block. It is distinct from ErrInvalidPassword.
	ErrDecryption = errors.New("pdf: decryption failed")

	// ErrInvalidPassword reports that neither the empty password nor the
	// supplied password authenticates against the document.
	ErrInvalidPassword = errors.New("pdf: invalid password")
)

// A SyntaxError reports malformed PDF syntax together with the byte offset at
// which it was detected.
type SyntaxError struct {
	Off int64
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("pdf: syntax error at offset %d: %s", e.Off, e.Msg)
}

// An ObjectNotFoundError reports a resolve request for an object number that
// is absent from the merged cross-reference table, or whose generation does
// not match the table entry.
type ObjectNotFoundError struct {
	Ptr ObjPtr
}

func (e *ObjectNotFoundError) Error() string {
	return fmt.Sprintf("pdf: object %d %d not found", e.Ptr.ID, e.Ptr.Gen)
}

// A CycleError reports that resolving an object required resolving the same
// object again, directly or through a chain of indirect references.
type CycleError struct {
	Ptr ObjPtr
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("pdf: reference cycle while resolving object %d %d", e.Ptr.ID, e.Ptr.Gen)
}

// An UnsupportedFilterError reports a /Filter name the pipeline does not
// implement. The caller still receives the raw, undecoded stream bytes and
// may continue using other objects in the document.
type UnsupportedFilterError struct {
	Name string
}

func (e *UnsupportedFilterError) Error() string {
	return fmt.Sprintf("pdf: unsupported stream filter %q", e.Name)
}

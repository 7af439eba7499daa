// Copyright © 2026, SAS Institute Inc., Cary, NC, USA.  All Rights Reserved.
// SPDX-License-Identifier: BSD-3-Clause

// Package pdfcore implements reading of PDF files.
//
// # Overview
//
// PDF is Adobe's Portable Document Format, ubiquitous on the internet.
// A PDF document is a complex data format built on a fairly simple structure.
// This package exposes the simple structure: the graph of untyped values that
// make up a document, reachable from the file trailer. Higher layers
// (text extraction, page interpretation, metadata mapping) are built in terms
// of this structure.
//
// Specifically, a PDF is a data structure built from Values, each of which has
// one of the following Kinds:
//
//	Null, for the null object.
//	Integer, for an integer.
//	Real, for a floating-point number.
//	Bool, for a boolean value.
//	Name, for a name constant (as in /Helvetica).
//	String, for a string constant.
//	Dict, for a dictionary of name-value pairs.
//	Array, for an array of values.
//	Stream, for an opaque data stream and associated header dictionary.
//
// The accessors on Value (Int64, Float64, Bool, Name, and so on) return
// a view of the data as the given type. When there is no appropriate view,
// the accessor returns a zero result. For example, the Name accessor returns
// the empty string if called on a Value v for which v.Kind() != Name.
// Returning zero values this way, especially from the Key and Index accessors,
// which themselves return Values, makes it possible to traverse a PDF quickly
// without writing any error checking. Where per-object error reporting is
// needed, use Reader.Resolve and Reader.StreamData instead: they report
// missing objects, reference cycles, filter problems and decryption problems
// individually, without invalidating the rest of the document.
//
// Opening a document builds the merged cross-reference table once, walking
// the chain of incremental updates newest-first; everything else is resolved
// lazily and cached. Damaged cross-reference data triggers a brute-force
// rebuild from the raw bytes before the file is rejected.
package pdfcore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sassoftware/viya-pdf-core/logger"
)

// A Reader is a single PDF file open for reading.
//
// The underlying byte source is treated as immutable for the lifetime of the
// Reader, so a Reader may be shared by any number of goroutines.
type Reader struct {
	f          io.ReaderAt
	end        int64
	xref       []xref
	trailer    dict
	trailerptr ObjPtr
	crypt      *cryptState
	store      *store
	cfg        Config
}

// An xref is one entry of the merged cross-reference table, one of three
// variants: free (free==true), in use at a byte offset, or packed inside an
// object stream (inStream==true).
type xref struct {
	ptr      ObjPtr
	inStream bool
	stream   ObjPtr
	offset   int64
	free     bool
	nextFree uint32
}

// Open opens a PDF file for reading with the default configuration.
// The returned os.File must be kept open for as long as the Reader is in use.
func Open(file string) (*os.File, *Reader, error) {
	return OpenWithConfig(file, DefaultConfig())
}

// OpenWithConfig opens a PDF file for reading using cfg.
func OpenWithConfig(file string, cfg Config) (*os.File, *Reader, error) {
	logger.Debug("Open file", true)
	f, err := os.Open(file)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	logger.Debug(fmt.Sprintf("document: file:%s -- opened (size=%d)", file, fi.Size()), true)
	reader, err := newReader(f, fi.Size(), nil, cfg)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, reader, nil
}

// NewReader opens a file for reading, using the data in f with the given
// total size. Encrypted files are opened with the empty password; use
// NewReaderEncrypted to supply one.
func NewReader(f io.ReaderAt, size int64) (*Reader, error) {
	return NewReaderEncrypted(f, size, nil)
}

// NewReaderEncrypted opens a file for reading. If the file is encrypted, the
// empty password is tried first; if it does not authenticate, pw is called
// repeatedly for candidate passwords until one succeeds or pw returns the
// empty string. A wrong password is reported as ErrInvalidPassword, distinct
// from structural errors, so callers may re-prompt.
func NewReaderEncrypted(f io.ReaderAt, size int64, pw func() string) (*Reader, error) {
	return newReader(f, size, pw, DefaultConfig())
}

// NewReaderWithConfig is NewReaderEncrypted with an explicit configuration.
func NewReaderWithConfig(f io.ReaderAt, size int64, pw func() string, cfg Config) (*Reader, error) {
	return newReader(f, size, pw, cfg)
}

func newReader(f io.ReaderAt, size int64, pw func() string, cfg Config) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Debug("Checking Header", true)
	if err := CheckHeader(f); err != nil {
		return nil, err
	}

	logger.Debug("Checking End of file Marker", true)
	if err := ValidateEOFMarker(f, size); err != nil {
		return nil, err
	}

	r := &Reader{f: f, end: size, cfg: cfg}
	r.store = newStore(r)

	logger.Debug("Checking Startxref", true)
	startxref, err := FindStartXref(f, size)
	if err == nil {
		logger.Debug("Checking xref table + trailer", true)
		err = r.readXrefChain(startxref)
	}
	if err != nil {
		if cfg.Mode == ModeStrict {
			return nil, fmt.Errorf("%w: %v", ErrInvalidXref, err)
		}
		// Structural cross-reference damage is not fatal on its own in
		// best-effort mode: rebuild the table from the raw bytes.
		logger.Error(fmt.Sprintf("xref build failed (%v), attempting rebuild", err))
		if rerr := r.rebuildXref(); rerr != nil {
			return nil, fmt.Errorf("%w: %v (rebuild: %v)", ErrInvalidXref, err, rerr)
		}
	}

	r.checkFreeList()

	if r.trailer[name("Encrypt")] != nil {
		logger.Debug("document is encrypted", true)
		err := r.initCrypt("")
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrInvalidPassword) || pw == nil {
			return nil, err
		}
		for {
			next := pw()
			if next == "" {
				break
			}
			if err = r.initCrypt(next); err == nil {
				return r, nil
			}
			if !errors.Is(err, ErrInvalidPassword) {
				return nil, err
			}
		}
		return nil, err
	}

	return r, nil
}

// CheckHeader validates the PDF header at the beginning of the file.
// It ensures the file starts with "%PDF-x.y" and the version is within
// 1.0–1.7 or 2.0. A little garbage before the header (BOM, shell wrapper)
// is tolerated; the rest of this package resolves offsets relative to byte 0
// regardless.
func CheckHeader(f io.ReaderAt) error {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		logger.Error(fmt.Sprintf("failed to read initial bytes for header check: %v", err))
		return err
	}
	if n == 0 {
		logger.Error("not a PDF file: empty")
		return errors.New("not a PDF file: empty")
	}
	buf = buf[:n]
	p := bytes.Index(buf, []byte("%PDF-"))
	if p < 0 {
		logger.Error("not a PDF file: missing %PDF- header")
		return errors.New("not a PDF file: missing %PDF- header")
	}

	lineBuf := buf[p:]
	lineEnd := bytes.IndexAny(lineBuf, "\r\n")
	if lineEnd < 0 {
		lineEnd = len(lineBuf)
	}
	line := bytes.TrimRight(lineBuf[:lineEnd], " \t\x00")

	var major, minor int
	if _, err := fmt.Sscanf(string(line), "%%PDF-%d.%d", &major, &minor); err != nil {
		logger.Error("not a PDF file: malformed version")
		return errors.New("not a PDF file: malformed version")
	}
	if !(major == 1 && minor >= 0 && minor <= 7) && !(major == 2 && minor == 0) {
		logger.Error(fmt.Sprintf("unsupported PDF version %d.%d", major, minor))
		return fmt.Errorf("unsupported PDF version %d.%d", major, minor)
	}
	logger.Debug(fmt.Sprintf("header: PDF-%d.%d", major, minor), true)
	return nil
}

// ValidateEOFMarker checks the last chunk of the file for the "%%EOF" marker
// that terminates a well-formed PDF file.
func ValidateEOFMarker(f io.ReaderAt, size int64) error {
	logger.Debug("checking for EOF")
	const endChunk = 100
	off := size - endChunk
	if off < 0 {
		off = 0
	}
	buf := make([]byte, size-off)
	n, err := f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return err
	}
	buf = bytes.TrimRight(buf[:n], "\r\n\t \x00")
	if !bytes.HasSuffix(buf, []byte("%%EOF")) {
		logger.Error("not a PDF file: missing %%EOF")
		return errors.New("not a PDF file: missing %%EOF")
	}
	return nil
}

// FindStartXref locates and parses the "startxref" pointer near the end of
// the file. Returns the byte offset where the cross-reference table or
// cross-reference stream begins.
func FindStartXref(f io.ReaderAt, size int64) (int64, error) {
	const endChunk = 1024
	off := size - endChunk
	if off < 0 {
		off = 0
	}
	buf := make([]byte, size-off)
	n, err := f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return 0, err
	}
	buf = buf[:n]
	i := findLastLine(buf, "startxref")
	if i < 0 {
		logger.Error("malformed PDF file: missing final startxref")
		return 0, errors.New("malformed PDF file: missing final startxref")
	}
	pos := off + int64(i)
	b := newBuffer(io.NewSectionReader(f, pos, size-pos), pos)

	tok := b.readToken()
	if tok != keyword("startxref") {
		logger.Error(fmt.Sprintf("malformed PDF file: missing startxref: %v", tok))
		return 0, errors.New("malformed PDF file: missing startxref")
	}
	startxref, ok := b.readToken().(int64)
	if !ok || startxref < 0 || startxref >= size {
		logger.Error("malformed PDF file: startxref offset out of range")
		return 0, errors.New("malformed PDF file: startxref offset out of range")
	}
	logger.Debug(fmt.Sprintf("xref: FindStartXref -- startxref=%d", startxref), true)
	return startxref, nil
}

// Trailer returns the file's trailer dictionary as a Value.
func (r *Reader) Trailer() Value {
	return Value{r, r.trailerptr, r.trailer}
}

// Root returns the document catalog, following the trailer's /Root reference.
func (r *Reader) Root() Value {
	return r.Trailer().Key("Root")
}

// Info returns the document information dictionary, or a null Value if the
// trailer has no /Info entry.
func (r *Reader) Info() Value {
	return r.Trailer().Key("Info")
}

// ID returns the original and current file identifiers from the trailer's
// /ID array. Either may be nil if the file carries no identifiers.
func (r *Reader) ID() (original, current []byte) {
	ids, ok := r.trailer[name("ID")].(array)
	if !ok || len(ids) < 2 {
		return nil, nil
	}
	if s, ok := ids[0].(string); ok {
		original = []byte(s)
	}
	if s, ok := ids[1].(string); ok {
		current = []byte(s)
	}
	return original, current
}

// Encrypted reports whether the document carries an /Encrypt dictionary.
func (r *Reader) Encrypted() bool {
	return r.crypt != nil
}

// Objects returns the pointers of all objects that are in use in the merged
// cross-reference table, in ascending object number order.
func (r *Reader) Objects() []ObjPtr {
	var ptrs []ObjPtr
	for _, x := range r.xref {
		if x.free || x.ptr.ID == 0 {
			continue
		}
		ptrs = append(ptrs, x.ptr)
	}
	return ptrs
}

// findLastLine searches backwards in buf for the last occurrence of the
// keyword s (e.g. "startxref") that is correctly terminated.
//
// The keyword should be followed directly by an end-of-line marker,
// but real-world producers insert trailing spaces, tabs or NULs
// before the newline. All PDF whitespace after the keyword is skipped, as
// long as at least one of the skipped characters is a CR or LF.
func findLastLine(buf []byte, s string) int {
	bs := []byte(s)
	var indices []int

	for i := 0; ; {
		j := bytes.Index(buf[i:], bs)
		if j < 0 {
			break
		}
		indices = append(indices, i+j)
		i += j + 1
	}

	for k := len(indices) - 1; k >= 0; k-- {
		i := indices[k]
		j := skipWhitespace(buf, i+len(bs))
		if endsWithEOL(buf, i+len(bs), j) {
			return i
		}
	}
	return -1
}

// skipWhitespace advances j past all PDF whitespace.
func skipWhitespace(buf []byte, j int) int {
	for j < len(buf) && isSpace(buf[j]) {
		j++
	}
	return j
}

// endsWithEOL checks if the last skipped char is CR or LF.
func endsWithEOL(buf []byte, start, end int) bool {
	if end > start {
		last := buf[end-1]
		return last == '\n' || last == '\r'
	}
	return false
}

// Copyright © 2026, SAS Institute Inc., Cary, NC, USA.  All Rights Reserved.
// SPDX-License-Identifier: BSD-3-Clause

package pdfcore

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/sassoftware/viya-pdf-core/logger"
)

// maxExtendsDepth bounds the /Extends chain of object streams.
const maxExtendsDepth = 32

// A store is the lazy object cache of a Reader. Objects are parsed at most
// once; concurrent requests for the same object are collapsed through the
// singleflight group, and every resolution chain carries its own visiting
// set so that reference cycles are detected rather than followed forever.
type store struct {
	r  *Reader
	mu sync.Mutex
	m  map[ObjPtr]object
	sf singleflight.Group
}

func newStore(r *Reader) *store {
	return &store{r: r, m: make(map[ObjPtr]object)}
}

// Resolve loads the indirect object named by ptr, following the
// cross-reference table and, where needed, unpacking object streams.
//
// Unlike the Value accessors, Resolve reports failures individually:
// an unknown or generation-mismatched object is an ObjectNotFoundError,
// a self-referential chain is a CycleError, and syntax damage at the
// object's location is a SyntaxError. A pointer to a free object resolves
// to the null Value with no error.
func (r *Reader) Resolve(ptr ObjPtr) (Value, error) {
	obj, err := r.object(ptr)
	if err != nil {
		return Value{}, err
	}
	return Value{r, ptr, obj}, nil
}

// object is the singleflight entry point for top-level loads. Nested loads
// (object stream containers, indirect /Length values) go through store.load
// directly: re-entering the group from inside a flight can deadlock on
// self-referential files.
func (r *Reader) object(ptr ObjPtr) (object, error) {
	r.store.mu.Lock()
	if obj, ok := r.store.m[ptr]; ok {
		r.store.mu.Unlock()
		return obj, nil
	}
	r.store.mu.Unlock()

	obj, err, _ := r.store.sf.Do(ptr.String(), func() (interface{}, error) {
		return r.store.load(ptr, make(map[ObjPtr]bool))
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// load returns the object named by ptr, consulting the cache first.
// visiting holds the pointers already being loaded on this resolution
// chain; finding ptr among them means the file contains a reference cycle.
func (s *store) load(ptr ObjPtr, visiting map[ObjPtr]bool) (object, error) {
	if visiting[ptr] {
		return nil, &CycleError{Ptr: ptr}
	}

	s.mu.Lock()
	if obj, ok := s.m[ptr]; ok {
		s.mu.Unlock()
		return obj, nil
	}
	s.mu.Unlock()

	visiting[ptr] = true
	obj, err := s.loadUncached(ptr, visiting)
	delete(visiting, ptr)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.m[ptr] = obj
	s.mu.Unlock()
	return obj, nil
}

func (s *store) loadUncached(ptr ObjPtr, visiting map[ObjPtr]bool) (object, error) {
	r := s.r
	if ptr.ID == 0 || ptr.ID >= uint32(len(r.xref)) {
		return nil, &ObjectNotFoundError{Ptr: ptr}
	}
	x := r.xref[ptr.ID]
	if x.free {
		// Freed objects resolve to null, matching what an in-file
		// "null" would produce.
		return nil, nil
	}
	if emptySlot(x) || x.ptr != ptr || (!x.inStream && x.offset == 0) {
		return nil, &ObjectNotFoundError{Ptr: ptr}
	}

	if x.inStream {
		return s.loadFromObjStm(ptr, x.stream, visiting)
	}

	b := newBuffer(io.NewSectionReader(r.f, x.offset, r.end-x.offset), x.offset)
	b.crypt = r.crypt
	obj := b.readObject()
	if b.err != nil {
		return nil, b.err
	}
	def, ok := obj.(objdef)
	if !ok {
		logger.Error(fmt.Sprintf("loading %v: found %T instead of objdef", ptr, obj))
		return nil, &SyntaxError{Off: x.offset, Msg: fmt.Sprintf("loading %v: no object header", ptr)}
	}
	if def.ptr != ptr {
		logger.Error(fmt.Sprintf("loading %v: found %v", ptr, def.ptr))
		return nil, &ObjectNotFoundError{Ptr: ptr}
	}
	if next, ok := def.obj.(ObjPtr); ok {
		// An object whose body is itself a reference; follow the chain.
		// The visiting set turns a reference loop into a CycleError.
		return s.load(next, visiting)
	}
	return def.obj, nil
}

// loadFromObjStm extracts the object ptr from the object stream container,
// walking the /Extends chain when the container's index does not list it.
// Strings inside an object stream are covered by the container's stream
// decryption and are not decrypted a second time.
func (s *store) loadFromObjStm(ptr, container ObjPtr, visiting map[ObjPtr]bool) (object, error) {
	r := s.r
	seen := make(map[ObjPtr]bool)
	for depth := 0; depth < maxExtendsDepth; depth++ {
		if seen[container] {
			return nil, &CycleError{Ptr: container}
		}
		seen[container] = true

		obj, err := s.load(container, visiting)
		if err != nil {
			return nil, err
		}
		strm, ok := obj.(stream)
		if !ok || strm.hdr["Type"] != name("ObjStm") {
			logger.Error(fmt.Sprintf("object %v: container %v is not an object stream", ptr, container))
			return nil, &ObjectNotFoundError{Ptr: ptr}
		}
		n, ok1 := s.intValue(strm.hdr["N"], visiting)
		first, ok2 := s.intValue(strm.hdr["First"], visiting)
		if !ok1 || !ok2 || n < 0 || first <= 0 {
			return nil, &SyntaxError{Off: strm.offset, Msg: "object stream missing N or First"}
		}

		data, err := r.streamData(strm)
		if err != nil {
			return nil, fmt.Errorf("object stream %v: %w", container, err)
		}

		b := newBuffer(bytes.NewReader(data), 0)
		b.allowEOF = true
		b.allowStream = false
		for i := int64(0); i < n; i++ {
			id, _ := b.readToken().(int64)
			off, _ := b.readToken().(int64)
			if uint32(id) == ptr.ID && ptr.Gen == 0 {
				b.seekForward(first + off)
				x := b.readObject()
				if b.err != nil {
					return nil, b.err
				}
				return x, nil
			}
		}

		ext, ok := strm.hdr["Extends"].(ObjPtr)
		if !ok {
			logger.Error(fmt.Sprintf("object %v not found in object stream %v", ptr, container))
			return nil, &ObjectNotFoundError{Ptr: ptr}
		}
		container = ext
	}
	return nil, &CycleError{Ptr: container}
}

// intValue returns the integer behind obj, loading it if it is an indirect
// reference. The visiting set keeps indirect /Length and /N lookups
// cycle-safe.
func (s *store) intValue(obj object, visiting map[ObjPtr]bool) (int64, bool) {
	switch o := obj.(type) {
	case int64:
		return o, true
	case ObjPtr:
		loaded, err := s.load(o, visiting)
		if err != nil {
			return 0, false
		}
		i, ok := loaded.(int64)
		return i, ok
	}
	return 0, false
}

// resolve is the non-reporting twin of Resolve, used by the Value accessors.
// Failures degrade to the null Value so that traversal code can chain
// accessors without error checking.
func (r *Reader) resolve(parent ObjPtr, x interface{}) Value {
	if ptr, ok := x.(ObjPtr); ok {
		obj, err := r.object(ptr)
		if err != nil {
			logger.Debug(fmt.Sprintf("resolve %v: %v", ptr, err))
			return Value{}
		}
		return Value{r, ptr, obj}
	}

	switch x := x.(type) {
	case nil, bool, int64, float64, name, dict, array, stream, string:
		return Value{r, parent, x}
	default:
		logger.Error(fmt.Sprintf("unexpected value type %T in resolve", x))
		return Value{}
	}
}

// StreamData returns the fully decoded payload of the stream v: the raw
// extent is located, decrypted when the document is encrypted, and passed
// through the declared filter chain. If v is not a stream, an error is
// returned.
func (v Value) StreamData() ([]byte, error) {
	x, ok := v.data.(stream)
	if !ok {
		return nil, fmt.Errorf("stream not present")
	}
	return v.r.streamData(x)
}

// streamData decodes the payload of x with decryption enabled.
func (r *Reader) streamData(x stream) ([]byte, error) {
	return r.streamBytes(x, r.crypt != nil)
}

// streamDataRaw decodes the payload of x without consulting the encryption
// layer. Cross-reference streams are read this way: they are never
// encrypted, and they are parsed before decryption is even configured.
func (r *Reader) streamDataRaw(x stream, decrypt bool) ([]byte, error) {
	return r.streamBytes(x, decrypt)
}

func (r *Reader) streamBytes(x stream, decrypt bool) ([]byte, error) {
	raw, err := r.rawStreamBytes(x)
	if err != nil {
		return nil, err
	}

	if decrypt && r.crypt != nil && !r.crypt.exemptStream(x) {
		raw, err = r.crypt.decryptStream(x.ptr, raw)
		if err != nil {
			return nil, err
		}
	}

	return r.applyFilters(raw, x)
}

// rawStreamBytes reads the undecoded extent of x from the file. The
// declared /Length is trusted only if the bytes right after it spell the
// endstream keyword; otherwise the extent is recovered by scanning for
// endstream from the payload start.
func (r *Reader) rawStreamBytes(x stream) ([]byte, error) {
	length, haveLen := r.store.intValue(x.hdr["Length"], make(map[ObjPtr]bool))
	if haveLen && length >= 0 && x.offset+length <= r.end {
		raw := make([]byte, length)
		if _, err := io.ReadFull(io.NewSectionReader(r.f, x.offset, length), raw); err != nil {
			return nil, fmt.Errorf("%w: reading stream %v: %v", ErrUnexpectedEOF, x.ptr, err)
		}
		if r.endstreamFollows(x.offset + length) {
			return raw, nil
		}
		logger.Debug(fmt.Sprintf("stream %v: declared Length %d not followed by endstream, rescanning", x.ptr, length), true)
	}
	return r.scanToEndstream(x)
}

// endstreamFollows reports whether the endstream keyword occurs at off,
// allowing leading whitespace.
func (r *Reader) endstreamFollows(off int64) bool {
	buf := make([]byte, 32)
	n, err := r.f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return false
	}
	i := skipWhitespace(buf[:n], 0)
	return bytes.HasPrefix(buf[i:n], []byte("endstream"))
}

// scanToEndstream recovers a stream extent whose /Length is missing or
// wrong by searching forward for the endstream keyword. A trailing EOL
// before the keyword belongs to the syntax, not the payload.
func (r *Reader) scanToEndstream(x stream) ([]byte, error) {
	size := r.end - x.offset
	if size <= 0 {
		return nil, &SyntaxError{Off: x.offset, Msg: "stream starts past end of file"}
	}
	buf := make([]byte, size)
	n, err := r.f.ReadAt(buf, x.offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	buf = buf[:n]
	i := bytes.Index(buf, []byte("endstream"))
	if i < 0 {
		return nil, &SyntaxError{Off: x.offset, Msg: fmt.Sprintf("stream %v: missing endstream", x.ptr)}
	}
	raw := buf[:i]
	if len(raw) > 0 && raw[len(raw)-1] == '\n' {
		raw = raw[:len(raw)-1]
	}
	if len(raw) > 0 && raw[len(raw)-1] == '\r' {
		raw = raw[:len(raw)-1]
	}
	return raw, nil
}

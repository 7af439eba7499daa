// Copyright © 2026, SAS Institute Inc., Cary, NC, USA.  All Rights Reserved.
// SPDX-License-Identifier: BSD-3-Clause

package pdfcore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sassoftware/viya-pdf-core/logger"
)

// maxRebuildSize bounds the file size for which a full-file brute-force
// rebuild is attempted. Larger files fail rather than exhaust memory.
const maxRebuildSize = 200 << 20

// rebuildXref reconstructs the cross-reference table by scanning the whole
// file for "N G obj" headers. It is the recovery path of last resort, used
// when the startxref pointer or the cross-reference chain is damaged.
//
// When the same object number appears more than once, the occurrence later
// in the file wins: incremental updates append, so later is newer.
func (r *Reader) rebuildXref() error {
	logger.Debug("rebuilding xref table from raw bytes", true)
	if r.end <= 0 {
		return errors.New("cannot rebuild xref: empty file")
	}
	if r.end > maxRebuildSize {
		return errors.New("file too large to rebuild xref")
	}
	data := make([]byte, int(r.end))
	sr := io.NewSectionReader(r.f, 0, r.end)
	if _, err := io.ReadFull(sr, data); err != nil {
		return err
	}
	entries := make(map[uint32]xref)
	search := 0
	for {
		idx := bytes.Index(data[search:], []byte(" obj"))
		if idx < 0 {
			break
		}
		pos := search + idx
		lineStart := pos
		for lineStart > 0 && data[lineStart-1] != '\n' && data[lineStart-1] != '\r' {
			lineStart--
		}
		line := strings.Fields(string(data[lineStart:pos]))
		if len(line) >= 2 {
			if id64, err1 := strconv.ParseUint(line[len(line)-2], 10, 32); err1 == nil {
				if gen64, err2 := strconv.ParseUint(line[len(line)-1], 10, 16); err2 == nil {
					ptr := ObjPtr{uint32(id64), uint16(gen64)}
					entries[ptr.ID] = xref{ptr: ptr, offset: int64(lineStart)}
				}
			}
		}
		search = pos + len(" obj")
	}
	if len(entries) == 0 {
		return errors.New("unable to rebuild xref: no object headers found")
	}
	var maxID uint32
	for id := range entries {
		if id > maxID {
			maxID = id
		}
	}
	if int64(maxID) > maxXrefSize {
		return fmt.Errorf("unable to rebuild xref: implausible object number %d", maxID)
	}
	table := make([]xref, maxID+1)
	for id, entry := range entries {
		table[id] = entry
	}
	r.xref = table
	if err := r.recoverTrailer(data); err != nil {
		return fmt.Errorf("failed to recover trailer: %w", err)
	}
	logger.Debug(fmt.Sprintf("xref rebuilt: %d objects recovered", len(entries)), true)
	return nil
}

// recoverTrailer restores the trailer dictionary after an xref rebuild.
// The last "trailer" keyword in the file is tried first; failing that, the
// rebuilt objects are searched for the document catalog and a minimal
// trailer is synthesized around it.
func (r *Reader) recoverTrailer(data []byte) error {
	for idx := bytes.LastIndex(data, []byte("trailer")); idx >= 0; idx = bytes.LastIndex(data[:idx], []byte("trailer")) {
		buf := newBuffer(bytes.NewReader(data[idx:]), int64(idx))
		buf.allowEOF = true
		if tok := buf.readToken(); tok != keyword("trailer") {
			continue
		}
		d, ok := buf.readObject().(dict)
		if !ok || d[name("Root")] == nil {
			continue
		}
		delete(d, name("Prev"))
		delete(d, name("XRefStm"))
		r.trailer = d
		r.trailerptr = ObjPtr{}
		return nil
	}

	logger.Debug("no usable trailer keyword, searching for catalog", true)
	return r.synthesizeTrailer()
}

// synthesizeTrailer scans the rebuilt table for the document catalog and a
// cross-reference stream dictionary, and builds a trailer from what it finds.
// Scanning runs highest object number first so the newest catalog wins.
func (r *Reader) synthesizeTrailer() error {
	for i := len(r.xref) - 1; i >= 0; i-- {
		x := r.xref[i]
		if emptySlot(x) || x.free || x.inStream {
			continue
		}
		b := newBuffer(io.NewSectionReader(r.f, x.offset, r.end-x.offset), x.offset)
		od, ok := b.readObject().(objdef)
		if !ok {
			continue
		}
		var hdr dict
		switch o := od.obj.(type) {
		case dict:
			hdr = o
		case stream:
			hdr = o.hdr
		default:
			continue
		}
		if hdr["Type"] == name("Catalog") {
			r.trailer = dict{
				name("Size"): int64(len(r.xref)),
				name("Root"): od.ptr,
			}
			r.trailerptr = ObjPtr{}
			return nil
		}
		// A cross-reference stream header is itself a trailer.
		if hdr["Type"] == name("XRef") && hdr["Root"] != nil {
			t := dict{}
			mergeTrailerDict(t, hdr)
			delete(t, name("XRefStm"))
			r.trailer = t
			r.trailerptr = od.ptr
			return nil
		}
	}
	return errors.New("no trailer and no catalog found")
}

// Copyright © 2026, SAS Institute Inc., Cary, NC, USA.  All Rights Reserved.
// SPDX-License-Identifier: BSD-3-Clause

package pdfcore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/sassoftware/viya-pdf-core/logger"
)

// maxXrefSize bounds the number of cross-reference entries a single file may
// declare, so a corrupted /Size cannot drive a giant allocation.
const maxXrefSize = 10_000_000

// readXrefChain builds the merged cross-reference table starting at the
// byte offset named by startxref, walking the whole chain of incremental
// updates. The resulting table and trailer are stored on r.
func (r *Reader) readXrefChain(startxref int64) error {
	b := newBuffer(io.NewSectionReader(r.f, startxref, r.end-startxref), startxref)
	visited := map[int64]bool{startxref: true}
	table, trailerptr, trailer, err := readXref(r, b, visited)
	if err != nil {
		return err
	}
	r.xref = table
	r.trailer = trailer
	r.trailerptr = trailerptr
	return nil
}

// readXref dispatches on the first token of a cross-reference section:
// the keyword "xref" introduces a classic table, an integer introduces
// the object header of a cross-reference stream.
func readXref(r *Reader, b *buffer, visited map[int64]bool) ([]xref, ObjPtr, dict, error) {
	tok := b.readToken()
	if tok == keyword("xref") {
		logger.Debug("Found Xref Table", true)
		return readXrefTable(r, b, visited)
	}
	if _, ok := tok.(int64); ok {
		b.unreadToken(tok)
		logger.Debug("Found Xref Stream", true)
		return readXrefStream(r, b, visited)
	}
	logger.Error(fmt.Sprintf("malformed PDF: cross-reference table nor stream found: %v", tok))
	return nil, ObjPtr{}, nil, errors.New("no cross-reference table or stream")
}

// emptySlot reports whether a table slot has not been filled yet.
// Newest-first traversal means a filled slot always wins over later fills.
func emptySlot(x xref) bool {
	return x.ptr == (ObjPtr{}) && !x.free
}

func readXrefStream(r *Reader, b *buffer, visited map[int64]bool) ([]xref, ObjPtr, dict, error) {
	logger.Debug("processing Xref Stream")
	strmptr, strm, err := parseXrefStreamObject(b)
	if err != nil {
		return nil, ObjPtr{}, nil, err
	}
	// Extract /Size and allocate the table.
	size, err := xrefSize(strm)
	if err != nil {
		return nil, ObjPtr{}, nil, err
	}
	table := make([]xref, size)
	// Fill entries from the first stream.
	table, err = readXrefStreamData(r, strm, table, size)
	if err != nil {
		return nil, ObjPtr{}, nil, fmt.Errorf("malformed PDF: %v", err)
	}
	// Follow and merge any /Prev sections.
	trailer := strm.hdr
	table, trailer, err = mergePrevXrefStreams(r, strm, table, trailer, size, visited)
	if err != nil {
		return nil, ObjPtr{}, nil, err
	}

	return table, strmptr, trailer, nil
}

// parseXrefStreamObject reads one object from the buffer and returns its
// pointer and stream, ensuring it is an /XRef stream.
func parseXrefStreamObject(b *buffer) (ObjPtr, stream, error) {
	logger.Debug(fmt.Sprintf("reading xref stream at offset %v", b.readOffset()))
	obj1 := b.readObject()
	od, ok := obj1.(objdef)
	if !ok {
		logger.Error(fmt.Sprintf("malformed PDF: objdef not found: %v", objfmt(obj1)))
		return ObjPtr{}, stream{}, errors.New("cross-reference stream object not found")
	}
	strm, ok := od.obj.(stream)
	if !ok {
		logger.Error(fmt.Sprintf("malformed PDF: cross-reference stream not found: %v", objfmt(od)))
		return ObjPtr{}, stream{}, errors.New("cross-reference stream not found")
	}
	if strm.hdr["Type"] != name("XRef") {
		logger.Error("malformed PDF: xref stream does not have type XRef")
		return ObjPtr{}, stream{}, errors.New("stream is not of type XRef")
	}

	return od.ptr, strm, nil
}

// xrefSize returns the /Size from an xref stream header.
func xrefSize(strm stream) (int64, error) {
	size, ok := strm.hdr["Size"].(int64)
	if !ok {
		logger.Error("malformed PDF: xref stream missing Size")
		return 0, errors.New("cross-reference stream missing Size")
	}
	if size < 0 || size > maxXrefSize {
		logger.Error(fmt.Sprintf("malformed PDF: implausible xref stream Size %d", size))
		return 0, fmt.Errorf("implausible cross-reference Size %d", size)
	}
	logger.Debug(fmt.Sprintf("xref stream size: %d", size))
	return size, nil
}

// mergePrevXrefStreams follows the /Prev chain, validating and merging each
// older stream. Offsets already visited terminate the walk: a Prev loop in a
// damaged file must not hang the reader.
func mergePrevXrefStreams(r *Reader, cur stream, table []xref, trailer dict, maxSize int64, visited map[int64]bool) ([]xref, dict, error) {
	for prevoff := cur.hdr["Prev"]; prevoff != nil; {
		off, ok := prevoff.(int64)
		if !ok {
			logger.Error(fmt.Sprintf("malformed PDF: xref Prev is not integer: %v", prevoff))
			return nil, nil, errors.New("Prev is not an integer")
		}
		logger.Debug(fmt.Sprintf("found Prev stream with offset %d", off), true)
		if visited[off] {
			logger.Error(fmt.Sprintf("xref Prev loop at offset %d, stopping chain", off))
			break
		}
		visited[off] = true
		// Open a buffer at the previous xref stream offset and parse it.
		b := newBuffer(io.NewSectionReader(r.f, off, r.end-off), off)
		_, prevStrm, err := parseXrefStreamObject(b)
		if err != nil {
			return nil, nil, err
		}
		prevoff = prevStrm.hdr["Prev"]
		prevVal := Value{r, ObjPtr{}, prevStrm}
		// Size checks and merge.
		psize := prevVal.Key("Size").Int64()
		if psize > maxSize {
			logger.Error("malformed PDF: xref prev stream larger than last stream")
			return nil, nil, errors.New("Prev stream larger than newest stream")
		}
		table, err = readXrefStreamData(r, prevStrm, table, psize)
		if err != nil {
			logger.Error(fmt.Sprintf("malformed PDF: reading xref prev stream: %v", err))
			return nil, nil, fmt.Errorf("reading Prev stream: %v", err)
		}
		mergeTrailerDict(trailer, prevStrm.hdr)
	}
	logger.Debug("merged Prev stream data")
	return table, trailer, nil
}

func readXrefStreamData(r *Reader, strm stream, table []xref, size int64) ([]xref, error) {
	index, _ := strm.hdr["Index"].(array)
	if index == nil {
		index = array{int64(0), size}
	}
	if len(index)%2 != 0 {
		err := fmt.Errorf("invalid Index array %v", objfmt(index))
		logger.Error(err.Error())
		return nil, err
	}

	ww, ok := strm.hdr["W"].(array)
	if !ok {
		err := fmt.Errorf("xref stream missing W array")
		logger.Error(err.Error())
		return nil, err
	}

	var w []int
	for _, x := range ww {
		i, ok := x.(int64)
		if !ok || int64(int(i)) != i || i < 0 || i > 8 {
			err := fmt.Errorf("invalid W array %v", objfmt(ww))
			logger.Error(err.Error())
			return nil, err
		}
		w = append(w, int(i))
	}
	if len(w) < 3 {
		err := fmt.Errorf("invalid W array %v", objfmt(ww))
		logger.Error(err.Error())
		return nil, err
	}

	// The stream carrying the table is never encrypted, and its data is
	// needed before decryption is even configured.
	data, err := r.streamDataRaw(strm, false)
	if err != nil {
		err = fmt.Errorf("decoding xref stream: %v", err)
		logger.Error(err.Error())
		return nil, err
	}

	wtotal := 0
	for _, wid := range w {
		wtotal += wid
	}
	rd := bytes.NewReader(data)
	buf := make([]byte, wtotal)
	for len(index) > 0 {
		start, ok1 := index[0].(int64)
		n, ok2 := index[1].(int64)
		if !ok1 || !ok2 || start < 0 || n < 0 || start+n > maxXrefSize {
			err := fmt.Errorf("malformed Index pair %v %v", objfmt(index[0]), objfmt(index[1]))
			logger.Error(err.Error())
			return nil, err
		}
		index = index[2:]
		for i := 0; i < int(n); i++ {
			if _, err := io.ReadFull(rd, buf); err != nil {
				err = fmt.Errorf("error reading xref stream: %v", err)
				logger.Error(err.Error())
				return nil, err
			}
			v1 := decodeInt(buf[0:w[0]])
			if w[0] == 0 {
				// A missing first field defaults to type 1 entries.
				v1 = 1
			}
			v2 := decodeInt(buf[w[0] : w[0]+w[1]])
			v3 := decodeInt(buf[w[0]+w[1] : w[0]+w[1]+w[2]])
			x := int(start) + i
			for cap(table) <= x {
				table = append(table[:cap(table)], xref{})
			}
			table = table[:cap(table)]
			if !emptySlot(table[x]) {
				continue
			}
			switch v1 {
			case 0:
				table[x] = xref{ptr: ObjPtr{uint32(x), uint16(v3)}, free: true, nextFree: uint32(v2)}
			case 1:
				table[x] = xref{ptr: ObjPtr{uint32(x), uint16(v3)}, offset: int64(v2)}
			case 2:
				table[x] = xref{ptr: ObjPtr{uint32(x), 0}, inStream: true, stream: ObjPtr{uint32(v2), 0}, offset: int64(v3)}
			default:
				// Unknown entry types are reserved and ignored.
				logger.Debug(fmt.Sprintf("ignoring xref stream entry type %d: %x", v1, buf))
			}
		}
	}
	logger.Debug(fmt.Sprintf("parseXrefEntries (entries parsed=%d)", size), true)

	return table, nil
}

func decodeInt(b []byte) int {
	x := 0
	for _, c := range b {
		x = x<<8 | int(c)
	}
	return x
}

func readXrefTable(r *Reader, b *buffer, visited map[int64]bool) ([]xref, ObjPtr, dict, error) {
	logger.Debug("processing xref table")
	table, trailer, err := parseXrefTableAndTrailer(b, nil)
	if err != nil {
		return nil, ObjPtr{}, nil, err
	}

	// A hybrid-reference file names a companion cross-reference stream in
	// /XRefStm; parse it and merge its entries.
	table, trailer, err = r.handleTrailerXRefStm(table, trailer, visited)
	if err != nil {
		logger.Error(fmt.Sprintf("readXrefTable: XRefStm handling error: %v. Falling back to Prev chain.", err))
		// proceed with Prev chain to salvage what we can from ASCII tables.
	}

	// Follow the Prev chain if present.
	table, trailer, err = resolvePrevXrefSections(r, trailer, table, visited)
	if err != nil {
		return nil, ObjPtr{}, nil, err
	}

	// Validate and finalize.
	if err := validateTrailerSize(&table, trailer); err != nil {
		return nil, ObjPtr{}, nil, err
	}

	return table, ObjPtr{}, trailer, nil
}

// parseXrefTableAndTrailer parses a single xref table section
// and the trailer dictionary that follows it.
func parseXrefTableAndTrailer(b *buffer, table []xref) ([]xref, dict, error) {
	var err error
	table, err = readXrefTableData(b, table)
	if err != nil {
		logger.Error(fmt.Sprintf("malformed PDF: %v", err))
		return nil, nil, err
	}
	logger.Debug(fmt.Sprintf("Parsed xref table section with %d entries so far", len(table)))
	trailer, ok := b.readObject().(dict)
	if !ok {
		logger.Error("malformed PDF: xref table not followed by trailer dictionary")
		return nil, nil, errors.New("xref table not followed by trailer dictionary")
	}
	return table, trailer, nil
}

// resolvePrevXrefSections walks the /Prev chain of a classic table. Each
// older section may itself be a classic table or, in files rewritten by
// newer producers, a cross-reference stream. The newest trailer's values
// win; older trailers only contribute keys the newer ones lack.
func resolvePrevXrefSections(r *Reader, trailer dict, table []xref, visited map[int64]bool) ([]xref, dict, error) {
	for prevoff := trailer[name("Prev")]; prevoff != nil; {
		off, ok := prevoff.(int64)
		if !ok {
			logger.Error(fmt.Sprintf("malformed PDF: xref Prev is not integer: %v", prevoff))
			return nil, nil, errors.New("Prev is not an integer")
		}
		logger.Debug("found Prev xref table", true)
		if off < 0 || off >= r.end {
			logger.Error(fmt.Sprintf("malformed PDF: xref Prev offset %d out of range", off))
			return nil, nil, errors.New("Prev offset out of range")
		}
		if visited[off] {
			logger.Error(fmt.Sprintf("xref Prev loop at offset %d, stopping chain", off))
			break
		}
		visited[off] = true
		b := newBuffer(io.NewSectionReader(r.f, off, r.end-off), off)
		tok := b.readToken()
		if tok != keyword("xref") {
			if _, isInt := tok.(int64); !isInt {
				logger.Error("malformed PDF: xref Prev does not point to xref")
				return nil, nil, errors.New("Prev does not point to a cross-reference section")
			}
			// Prev points at a cross-reference stream.
			b.unreadToken(tok)
			_, prevStrm, err := parseXrefStreamObject(b)
			if err != nil {
				return nil, nil, err
			}
			psize, _ := prevStrm.hdr["Size"].(int64)
			streamTable, err := readXrefStreamData(r, prevStrm, nil, psize)
			if err != nil {
				return nil, nil, err
			}
			table = mergeXrefTables(table, streamTable, false)
			mergeTrailerDict(trailer, prevStrm.hdr)
			prevoff = prevStrm.hdr["Prev"]
			continue
		}
		var older dict
		var err error
		table, older, err = parseXrefTableAndTrailer(b, table)
		if err != nil {
			logger.Error(fmt.Sprintf("malformed PDF: %v", err))
			return nil, nil, err
		}
		// handle /XRefStm for this older trailer before walking further Prev
		table, older, err = r.handleTrailerXRefStm(table, older, visited)
		if err != nil {
			logger.Debug(fmt.Sprintf("warning: XRefStm handling error in Prev chain: %v; continuing", err))
			// continue even if XRefStm handling failed for this prev trailer
		}
		mergeTrailerDict(trailer, older)
		prevoff = older[name("Prev")]
	}
	return table, trailer, nil
}

// mergeTrailerDict copies the keys of src into dst that dst does not already
// have. Prev is deliberately excluded: the caller tracks the chain itself
// and a stale Prev from an older trailer must not resurrect in the result.
func mergeTrailerDict(dst, src dict) {
	for k, v := range src {
		if k == name("Prev") {
			continue
		}
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
}

// validateTrailerSize trims the xref table to the declared /Size in trailer.
func validateTrailerSize(table *[]xref, trailer dict) error {
	size, ok := trailer[name("Size")].(int64)
	if !ok {
		logger.Error("malformed PDF: trailer missing /Size entry")
		return errors.New("trailer missing Size")
	}

	if size >= 0 && size < int64(len(*table)) {
		*table = (*table)[:size]
	}
	logger.Debug(fmt.Sprintf("trailer size validated: %d", size))
	return nil
}

// ensureLen makes sure s has length at least n (growing capacity if needed)
// and returns the possibly-reallocated slice.
func ensureLen[T any](s []T, n int) []T {
	if n <= len(s) {
		return s
	}
	if cap(s) < n {
		ns := make([]T, n)
		copy(ns, s)
		return ns
	}
	return s[:n]
}

// setIfEmpty sets table[x] to val only if the slot is currently empty.
func setIfEmpty(table *[]xref, x int, val xref) {
	if x < 0 || x > maxXrefSize {
		return
	}
	*table = ensureLen(*table, x+1)
	if emptySlot((*table)[x]) {
		(*table)[x] = val
	}
}

func readXrefTableData(b *buffer, table []xref) ([]xref, error) {
	logger.Debug("reading xref table data")
	for {
		tok := b.readToken()
		if tok == keyword("trailer") {
			break
		}
		start, ok1 := tok.(int64)
		count, ok2 := b.readToken().(int64)
		if !ok1 || !ok2 || start < 0 || count < 0 || start+count > maxXrefSize {
			logger.Error("malformed xref table subsection header")
			return nil, errors.New("malformed xref subsection header")
		}
		for i := 0; i < int(count); i++ {
			offTok := b.readToken()
			genTok := b.readToken()
			allocTok := b.readToken()

			off, okOff := offTok.(int64)
			gen, okGen := genTok.(int64)
			alloc, okAlloc := allocTok.(keyword)
			if !okOff || !okGen || !okAlloc {
				logger.Error(fmt.Sprintf("malformed xref entry at subsection starting %d", start))
				return nil, errors.New("malformed xref entry")
			}

			idx := int(start) + i
			switch alloc {
			case keyword("n"):
				setIfEmpty(&table, idx, xref{ptr: ObjPtr{uint32(idx), uint16(gen)}, offset: off})
			case keyword("f"):
				setIfEmpty(&table, idx, xref{ptr: ObjPtr{uint32(idx), uint16(gen)}, free: true, nextFree: uint32(off)})
			default:
				logger.Error(fmt.Sprintf("malformed xref table: unexpected alloc token %v", alloc))
				return nil, errors.New("malformed xref allocation token")
			}
		}
	}
	return table, nil
}

// mergeXrefTables merges src into dest. dest always holds entries from newer
// revisions than src, so a filled dest slot wins: once an object number is
// defined by a newer section it is never overwritten by an older one, free
// entries included.
//
// hybrid relaxes this for a same-revision /XRefStm companion: the classic
// section of a hybrid file lists compressed objects as free so pre-1.5
// consumers skip them, while the stream carries the real entry, so an in-use
// src entry replaces a free dest slot.
func mergeXrefTables(dest []xref, src []xref, hybrid bool) []xref {
	if len(src) > len(dest) {
		nd := make([]xref, len(src))
		copy(nd, dest)
		dest = nd
	}
	for i := 0; i < len(src); i++ {
		s := src[i]
		if emptySlot(s) {
			continue
		}
		d := dest[i]
		if emptySlot(d) {
			dest[i] = s
			continue
		}
		if hybrid && d.free && !s.free {
			dest[i] = s
		}
	}
	return dest
}

// checkFreeList walks the free list starting at object 0 and severs any loop
// it finds, so that linked-list traversals elsewhere terminate. A loop is a
// defect in the file, not in the reader, so it is logged and repaired rather
// than reported.
func (r *Reader) checkFreeList() {
	if len(r.xref) == 0 || !r.xref[0].free {
		return
	}
	seen := map[uint32]bool{0: true}
	id := r.xref[0].nextFree
	prev := uint32(0)
	for id != 0 {
		if int64(id) >= int64(len(r.xref)) || !r.xref[id].free {
			logger.Debug(fmt.Sprintf("free list points at non-free object %d, truncating", id))
			r.xref[prev].nextFree = 0
			return
		}
		if seen[id] {
			logger.Error(fmt.Sprintf("free list loop at object %d, truncating", id))
			r.xref[prev].nextFree = 0
			return
		}
		seen[id] = true
		prev = id
		id = r.xref[id].nextFree
	}
}

// isLikelyObjectAt performs a lightweight check whether an object header or dict begins at off.
func (r *Reader) isLikelyObjectAt(off int64) bool {
	if off < 0 || off >= r.end {
		return false
	}
	buf := make([]byte, 64)
	n, err := r.f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return false
	}
	if n == 0 {
		return false
	}
	s := string(buf[:n])
	sTrim := strings.TrimLeft(s, " \t\r\n")
	// match "N G obj" or starting dict "<<" or PDF header
	if objHeaderRE.MatchString(sTrim) {
		return true
	}
	if strings.HasPrefix(sTrim, "<<") {
		return true
	}
	if strings.HasPrefix(sTrim, "%PDF-") {
		return true
	}
	return false
}

var objHeaderRE = regexp.MustCompile(`^\d+\s+\d+\s+obj\b`)

// scanForObjectAt searches a ±window around approx for "<id> <gen> obj" and returns found offset or -1.
func (r *Reader) scanForObjectAt(id uint32, gen uint16, approx int64, window int64) int64 {
	if approx < 0 {
		approx = 0
	}
	start := approx - window
	if start < 0 {
		start = 0
	}
	end := approx + window
	if end > r.end {
		end = r.end
	}
	size := end - start
	if size <= 0 {
		return -1
	}
	buf := make([]byte, size)
	n, err := r.f.ReadAt(buf, start)
	if err != nil && err != io.EOF {
		return -1
	}
	buf = buf[:n]
	// The header may directly follow stream or text bytes with no line
	// break in between, so only a preceding digit disqualifies a match
	// (it would extend the object number).
	pattern := fmt.Sprintf(`(?:^|[^0-9])(%d\s+%d\s+obj)\b`, id, gen)
	re := regexp.MustCompile(pattern)
	loc := re.FindSubmatchIndex(buf)
	if loc == nil {
		return -1
	}
	return start + int64(loc[2])
}

// validateAndRepairXrefEntries checks offsets in table and tries to repair with a small-window scan.
// Returns counts: repaired entries and invalid (unrepairable) entries.
func (r *Reader) validateAndRepairXrefEntries(table []xref) (repaired int, invalid int) {
	for i := 0; i < len(table); i++ {
		ent := table[i]
		if emptySlot(ent) || ent.free {
			continue
		}
		if ent.inStream || ent.offset == 0 {
			// no external file offset to validate
			continue
		}
		if r.isLikelyObjectAt(ent.offset) {
			continue
		}
		// attempt small-window scan ±1024
		found := r.scanForObjectAt(ent.ptr.ID, ent.ptr.Gen, ent.offset, 1024)
		if found >= 0 {
			table[i].offset = found
			repaired++
			continue
		}
		invalid++
	}
	return
}

// handleTrailerXRefStm: if trailer contains /XRefStm, parse that stream and merge its table into the provided table.
// If the stream appears too invalid, returns an error so the caller can fall back to the ASCII table alone.
func (r *Reader) handleTrailerXRefStm(table []xref, trailer dict, visited map[int64]bool) ([]xref, dict, error) {
	xrefstm := trailer[name("XRefStm")]
	if xrefstm == nil {
		return table, trailer, nil
	}
	logger.Debug("found XRefStm in trailer", true)
	off, ok := xrefstm.(int64)
	if !ok {
		logger.Error(fmt.Sprintf("malformed PDF: XRefStm not integer: %v", xrefstm))
		return table, trailer, errors.New("XRefStm is not an integer")
	}
	if visited[off] {
		logger.Error(fmt.Sprintf("XRefStm loop at offset %d", off))
		return table, trailer, errors.New("XRefStm loop")
	}
	visited[off] = true
	b := newBuffer(io.NewSectionReader(r.f, off, r.end-off), off)
	srcTable, _, hdr, err := readXrefStream(r, b, visited)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to parse XRefStm at %d: %v", off, err))
		return table, trailer, fmt.Errorf("parsing XRefStm: %v", err)
	}
	// validate & attempt repair on srcTable offsets
	_, invalid := r.validateAndRepairXrefEntries(srcTable)

	total := 0
	for _, e := range srcTable {
		if !emptySlot(e) {
			total++
		}
	}
	// Accept or reject the stream table based on an invalid threshold.
	if total > 0 && float64(invalid)/float64(total) > 0.30 {
		logger.Error(fmt.Sprintf("xref stream at %d appears invalid: %d/%d invalid entries", off, invalid, total))
		return table, trailer, errors.New("XRefStm mostly invalid")
	}

	// Merge the stream table into the main ASCII table.
	table = mergeXrefTables(table, srcTable, true)

	if _, ok := hdr["Size"]; !ok {
		logger.Debug(fmt.Sprintf("xref stream at %d missing /Size", off))
		return table, trailer, errors.New("XRefStm missing Size")
	}
	return table, trailer, nil
}

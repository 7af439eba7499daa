// Copyright © 2026, SAS Institute Inc., Cary, NC, USA.  All Rights Reserved.
// SPDX-License-Identifier: BSD-3-Clause

package pdfcore

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_SimpleObjects(t *testing.T) {
	bodies := append(append([]string{}, catalogBodies...),
		"(a string)",
		"[ 1 2 3 ]",
		"3.5",
	)
	r := openPDF(t, buildPDF(bodies))

	v, err := r.Resolve(ObjPtr{3, 0})
	require.NoError(t, err)
	assert.Equal(t, "a string", v.RawString())
	assert.Equal(t, ObjPtr{3, 0}, v.Ptr())

	v, err = r.Resolve(ObjPtr{4, 0})
	require.NoError(t, err)
	assert.Equal(t, 3, v.Len())

	v, err = r.Resolve(ObjPtr{5, 0})
	require.NoError(t, err)
	assert.Equal(t, 3.5, v.Float64())
}

func TestResolve_NotFound(t *testing.T) {
	r := openPDF(t, buildPDF(catalogBodies))

	var nfe *ObjectNotFoundError

	// Beyond the table.
	_, err := r.Resolve(ObjPtr{99, 0})
	require.ErrorAs(t, err, &nfe)
	assert.Equal(t, ObjPtr{99, 0}, nfe.Ptr)

	// Object zero is never a real object.
	_, err = r.Resolve(ObjPtr{0, 0})
	assert.ErrorAs(t, err, &nfe)

	// Generation mismatch.
	_, err = r.Resolve(ObjPtr{1, 7})
	assert.ErrorAs(t, err, &nfe)
}

func TestResolve_FreeObjectIsNull(t *testing.T) {
	r := openPDF(t, buildPDF(catalogBodies))
	r.xref = append(r.xref, xref{ptr: ObjPtr{3, 0}, free: true})

	v, err := r.Resolve(ObjPtr{3, 0})
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}

func TestResolve_ReferenceChain(t *testing.T) {
	// Object 3's body is a reference to object 4; the chain is followed.
	bodies := append(append([]string{}, catalogBodies...),
		"4 0 R",
		"(end of chain)",
	)
	r := openPDF(t, buildPDF(bodies))

	v, err := r.Resolve(ObjPtr{3, 0})
	require.NoError(t, err)
	assert.Equal(t, "end of chain", v.RawString())
}

func TestResolve_ReferenceCycle(t *testing.T) {
	bodies := append(append([]string{}, catalogBodies...),
		"4 0 R",
		"3 0 R",
	)
	r := openPDF(t, buildPDF(bodies))

	_, err := r.Resolve(ObjPtr{3, 0})
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ObjPtr{3, 0}, ce.Ptr)

	// A cycle in one object does not poison the rest of the document.
	root := r.Root()
	assert.Equal(t, "Catalog", root.Key("Type").Name())
}

func TestResolve_SelfReference(t *testing.T) {
	bodies := append(append([]string{}, catalogBodies...), "3 0 R")
	r := openPDF(t, buildPDF(bodies))

	_, err := r.Resolve(ObjPtr{3, 0})
	var ce *CycleError
	assert.ErrorAs(t, err, &ce)
}

func TestResolve_CachesObjects(t *testing.T) {
	r := openPDF(t, buildPDF(catalogBodies))

	_, err := r.Resolve(ObjPtr{2, 0})
	require.NoError(t, err)

	r.store.mu.Lock()
	_, cached := r.store.m[ObjPtr{2, 0}]
	r.store.mu.Unlock()
	assert.True(t, cached, "resolved object should be cached")

	// A second resolve must not re-read the file.
	r.f = errReaderAt{}
	v, err := r.Resolve(ObjPtr{2, 0})
	require.NoError(t, err)
	assert.Equal(t, "Pages", v.Key("Type").Name())
}

func TestResolve_Concurrent(t *testing.T) {
	bodies := append(append([]string{}, catalogBodies...), "(shared)")
	r := openPDF(t, buildPDF(bodies))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := r.Resolve(ObjPtr{3, 0})
			assert.NoError(t, err)
			assert.Equal(t, "shared", v.RawString())
		}()
	}
	wg.Wait()
}

func TestResolve_SyntaxDamage(t *testing.T) {
	// The xref entry for object 3 points into the middle of nowhere.
	bodies := append(append([]string{}, catalogBodies...), "(x)")
	data := buildPDF(bodies)
	data = bytes.Replace(data, []byte("3 0 obj"), []byte(">>>>>>>"), 1)

	r := openPDF(t, data)
	_, err := r.Resolve(ObjPtr{3, 0})
	var se *SyntaxError
	assert.ErrorAs(t, err, &se)
}

// buildObjStmPDF assembles a PDF whose catalog and page tree are packed in an
// object stream, indexed through a cross-reference stream. extendsSplit, when
// true, moves the page tree object into a second container reachable only via
// /Extends.
func buildObjStmPDF(t *testing.T, extendsSplit bool) []byte {
	t.Helper()

	// Compressed object bodies. Object 1 is the catalog, object 2 the pages.
	type packed struct {
		id   int
		body string
	}
	pack := func(objs []packed) (string, string) {
		var hdr, payload strings.Builder
		for _, o := range objs {
			fmt.Fprintf(&hdr, "%d %d ", o.id, payload.Len())
			payload.WriteString(o.body)
			payload.WriteString(" ")
		}
		return hdr.String(), payload.String()
	}

	primary := []packed{{1, "<< /Type /Catalog /Pages 2 0 R >>"}}
	var secondary []packed
	if extendsSplit {
		secondary = []packed{{2, "<< /Type /Pages /Kids [] /Count 0 >>"}}
	} else {
		primary = append(primary, packed{2, "<< /Type /Pages /Kids [] /Count 0 >>"})
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.5\n")

	writeObjStm := func(id int, objs []packed, extends string) int64 {
		off := int64(buf.Len())
		hdr, payload := pack(objs)
		content := hdr + payload
		fmt.Fprintf(&buf, "%d 0 obj\n<< /Type /ObjStm /N %d /First %d %s/Length %d >>\nstream\n%s\nendstream\nendobj\n",
			id, len(objs), len(hdr), extends, len(content), content)
		return off
	}

	var off4, off5 int64
	if extendsSplit {
		off5 = writeObjStm(5, secondary, "")
		off4 = writeObjStm(4, primary, "/Extends 5 0 R ")
	} else {
		off4 = writeObjStm(4, primary, "")
	}

	// Cross-reference stream: object 3.
	xrefOff := int64(buf.Len())
	size := 6
	var data bytes.Buffer
	entry := func(typ byte, f2 int64, f3 byte) {
		data.Write([]byte{typ, byte(f2 >> 8), byte(f2), f3})
	}
	entry(0, 0, 255)     // 0: free
	entry(2, 4, 0)       // 1: in container 4, index 0
	entry(2, 4, 1)       // 2: named in container 4; reached via /Extends when split
	entry(1, xrefOff, 0) // 3: this stream
	entry(1, off4, 0)    // 4: primary container
	if extendsSplit {
		entry(1, off5, 0) // 5: secondary container
	} else {
		entry(0, 0, 0)
	}
	fmt.Fprintf(&buf, "3 0 obj\n<< /Type /XRef /Size %d /W [1 2 1] /Root 1 0 R /Length %d >>\nstream\n",
		size, data.Len())
	buf.Write(data.Bytes())
	buf.WriteString("\nendstream\nendobj\n")
	fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF\n", xrefOff)
	return buf.Bytes()
}

func TestResolve_ObjectStream(t *testing.T) {
	r := openPDF(t, buildObjStmPDF(t, false))

	root := r.Root()
	require.Equal(t, Dict, root.Kind())
	assert.Equal(t, "Catalog", root.Key("Type").Name())
	assert.Equal(t, int64(0), root.Key("Pages").Key("Count").Int64())

	v, err := r.Resolve(ObjPtr{2, 0})
	require.NoError(t, err)
	assert.Equal(t, "Pages", v.Key("Type").Name())
}

func TestResolve_ObjectStreamExtendsChain(t *testing.T) {
	r := openPDF(t, buildObjStmPDF(t, true))

	// Object 2 is not in its named container; the /Extends chain is walked.
	v, err := r.Resolve(ObjPtr{2, 0})
	require.NoError(t, err)
	assert.Equal(t, "Pages", v.Key("Type").Name())
}

func TestResolve_ObjectStreamContainerNotObjStm(t *testing.T) {
	// Entry claims object 2 lives in container 1, but object 1 is a plain
	// dictionary, not an object stream.
	r := openPDF(t, buildPDF(catalogBodies))
	r.xref = append(r.xref, xref{ptr: ObjPtr{3, 0}, inStream: true, stream: ObjPtr{1, 0}})

	_, err := r.Resolve(ObjPtr{3, 0})
	var nfe *ObjectNotFoundError
	assert.ErrorAs(t, err, &nfe)
}

func TestResolve_ObjectStreamGenMismatch(t *testing.T) {
	// Compressed objects always have generation zero.
	r := openPDF(t, buildObjStmPDF(t, false))

	_, err := r.Resolve(ObjPtr{2, 1})
	var nfe *ObjectNotFoundError
	assert.ErrorAs(t, err, &nfe)
}

func TestIntValue(t *testing.T) {
	bodies := append(append([]string{}, catalogBodies...), "77")
	r := openPDF(t, buildPDF(bodies))

	n, ok := r.store.intValue(int64(5), map[ObjPtr]bool{})
	assert.True(t, ok)
	assert.Equal(t, int64(5), n)

	n, ok = r.store.intValue(ObjPtr{3, 0}, map[ObjPtr]bool{})
	assert.True(t, ok)
	assert.Equal(t, int64(77), n)

	_, ok = r.store.intValue(name("NaN"), map[ObjPtr]bool{})
	assert.False(t, ok)

	_, ok = r.store.intValue(ObjPtr{50, 0}, map[ObjPtr]bool{})
	assert.False(t, ok)
}

func TestStreamData_IndirectLength(t *testing.T) {
	bodies := append(append([]string{}, catalogBodies...),
		"<< /Length 4 0 R >>\nstream\nhello\nendstream",
		"5",
	)
	r := openPDF(t, buildPDF(bodies))

	v, err := r.Resolve(ObjPtr{3, 0})
	require.NoError(t, err)
	require.Equal(t, Stream, v.Kind())
	data, err := v.StreamData()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

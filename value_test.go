// Copyright © 2026, SAS Institute Inc., Cary, NC, USA.  All Rights Reserved.
// SPDX-License-Identifier: BSD-3-Clause

package pdfcore

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utf16BEWithBOM(s []rune) string {
	// BOM FE FF then big-endian 16-bit runes
	b := []byte{0xFE, 0xFF}
	for _, r := range s {
		b = append(b, byte(r>>8), byte(r&0xFF))
	}
	return string(b)
}

func TestValue_PrimitivesAndStringFuncs(t *testing.T) {
	// plain string value
	v := Value{r: nil, ptr: ObjPtr{}, data: "hello"}
	assert.Equal(t, "\"hello\"", v.String(), "String() should quote plain strings")
	assert.Equal(t, "hello", v.RawString(), "RawString() should return raw string")
	assert.Equal(t, "hello", v.Text(), "Text() should return plain text for ASCII string")

	// UTF-16 string -> Text should decode
	utf16 := utf16BEWithBOM([]rune{'H', 'i'})
	v2 := Value{r: nil, ptr: ObjPtr{}, data: utf16}
	require.True(t, isUTF16(utf16), "constructed sample should be detected as UTF-16")
	assert.Equal(t, "Hi", v2.Text(), "Text() should decode UTF-16BE with BOM")
	assert.Equal(t, "\ufeffHi", v2.TextFromUTF16(), "TextFromUTF16() should decode UTF-16BE (BOM preserved)")

	// Bool / Int64 / Float64
	vb := Value{data: true}
	vi := Value{data: int64(42)}
	vf := Value{data: float64(3.5)}
	assert.True(t, vb.Bool())
	assert.Equal(t, int64(42), vi.Int64())
	assert.Equal(t, float64(3.5), vf.Float64())
	assert.Equal(t, float64(42), vi.Float64())

	// Wrong-kind accessors degrade to zero values.
	assert.False(t, vi.Bool())
	assert.Equal(t, int64(0), vb.Int64())
	assert.Equal(t, float64(0), vb.Float64())
	assert.Equal(t, "", vi.RawString())
	assert.Equal(t, "", vi.Name())
}

func TestValue_KindReporting(t *testing.T) {
	cases := []struct {
		data interface{}
		kind ValueKind
	}{
		{nil, Null},
		{true, Bool},
		{int64(1), Integer},
		{float64(1.5), Real},
		{"s", String},
		{name("N"), Name},
		{dict{}, Dict},
		{array{}, Array},
		{stream{}, Stream},
	}
	for _, c := range cases {
		assert.Equal(t, c.kind, Value{data: c.data}.Kind())
	}
	assert.True(t, Value{}.IsNull())
}

func TestValue_NameArrayDictAccessors(t *testing.T) {
	// Build a dict with mixed entries and an array
	d := dict{
		name("B"):   int64(2),
		name("A"):   "alpha",
		name("Arr"): array{"one", int64(2)},
	}
	r := &Reader{}

	v := Value{r: r, ptr: ObjPtr{}, data: d}

	// Keys() should return sorted keys
	keys := v.Keys()
	require.Equal(t, []string{"A", "Arr", "B"}, keys)

	// Key() lookup for simple values
	ka := v.Key("A")
	assert.Equal(t, "alpha", ka.RawString())

	arrVal := v.Key("Arr")
	assert.Equal(t, 2, arrVal.Len(), "array length should be 2")
	assert.Equal(t, "one", arrVal.Index(0).RawString())
	assert.Equal(t, int64(2), arrVal.Index(1).Int64())
	assert.True(t, arrVal.Index(5).IsNull(), "out-of-bounds index is null")
	assert.True(t, arrVal.Index(-1).IsNull())

	// Missing key is null
	assert.True(t, v.Key("Nope").IsNull())

	// Name accessor
	nv := Value{data: name("Helvetica")}
	assert.Equal(t, "Helvetica", nv.Name())
	assert.Equal(t, "/Helvetica", nv.String())
}

func TestValue_KeyOnStreamHeader(t *testing.T) {
	strm := stream{hdr: dict{name("Length"): int64(7), name("Type"): name("XObject")}}
	v := Value{r: &Reader{}, data: strm}
	assert.Equal(t, int64(7), v.Key("Length").Int64())
	assert.Equal(t, []string{"Length", "Type"}, v.Keys())
}

func TestValue_Reader(t *testing.T) {
	// An unfiltered stream whose declared Length is confirmed by the
	// endstream keyword right after the payload.
	data := []byte("abc123endstream")
	r := &Reader{f: bytes.NewReader(data), end: int64(len(data))}
	r.store = newStore(r)

	str := stream{hdr: dict{name("Length"): int64(6)}, offset: 0}
	v := Value{r: r, data: str}

	rc := v.Reader()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc123"), got)
	assert.NoError(t, rc.Close())

	// non-stream value
	v2 := Value{r: r, data: int64(42)}
	rc2 := v2.Reader()
	_, err = io.ReadAll(rc2)
	assert.Error(t, err, "non-stream should return error")
}

func TestValue_StreamDataWrongLength(t *testing.T) {
	// The declared Length overshoots the payload; the extent is recovered
	// by scanning for the endstream keyword instead.
	data := []byte("payload\nendstream more")
	r := &Reader{f: bytes.NewReader(data), end: int64(len(data))}
	r.store = newStore(r)

	str := stream{hdr: dict{name("Length"): int64(12)}, offset: 0}
	got, err := Value{r: r, data: str}.StreamData()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestValue_StreamDataMissingEndstream(t *testing.T) {
	data := []byte("no terminator here")
	r := &Reader{f: bytes.NewReader(data), end: int64(len(data))}
	r.store = newStore(r)

	str := stream{hdr: dict{}, offset: 0}
	_, err := Value{r: r, data: str}.StreamData()
	var se *SyntaxError
	require.ErrorAs(t, err, &se)
}

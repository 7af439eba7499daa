// Copyright © 2026, SAS Institute Inc., Cary, NC, USA.  All Rights Reserved.
// SPDX-License-Identifier: BSD-3-Clause

package pdfcore

import (
	"bytes"
	"compress/flate"
	"compress/lzw"
	"compress/zlib"
	"encoding/ascii85"
	"fmt"
	"image"
	"image/jpeg"
	"io"

	"golang.org/x/image/ccitt"

	"github.com/sassoftware/viya-pdf-core/logger"
)

// maxDecodedStream bounds the output of a single filter application, so a
// compression bomb cannot exhaust memory.
const maxDecodedStream = 1 << 30

// applyFilters runs the stream's declared filter chain over raw, outermost
// filter first. When an unsupported filter is hit, the bytes decoded so far
// are returned together with an UnsupportedFilterError, so callers that can
// use partially decoded data (or the raw bytes of an image stream) still
// get them.
func (r *Reader) applyFilters(raw []byte, x stream) ([]byte, error) {
	v := Value{r, x.ptr, x}
	filter := v.Key("Filter")
	param := v.Key("DecodeParms")
	if param.IsNull() {
		// Some producers use the pre-ISO spelling.
		param = v.Key("DP")
	}

	var names []string
	var params []Value
	switch filter.Kind() {
	case Null:
		return raw, nil
	case Name:
		names = []string{filter.Name()}
		params = []Value{param}
	case Array:
		for i := 0; i < filter.Len(); i++ {
			names = append(names, filter.Index(i).Name())
			if param.Kind() == Array {
				params = append(params, param.Index(i))
			} else {
				params = append(params, param)
			}
		}
	default:
		return raw, fmt.Errorf("%w: malformed Filter entry", ErrFilterData)
	}

	data := raw
	for i, fname := range names {
		var err error
		data, err = r.applyFilter(data, fname, params[i], v)
		if err != nil {
			return data, err
		}
		if len(data) > maxDecodedStream {
			return nil, fmt.Errorf("%w: decoded stream exceeds %d bytes", ErrFilterData, maxDecodedStream)
		}
	}
	return data, nil
}

func (r *Reader) applyFilter(data []byte, fname string, param Value, strm Value) ([]byte, error) {
	logger.Debug(fmt.Sprintf("filter: %s (%d bytes in)", fname, len(data)))
	switch fname {
	case "FlateDecode", "Fl":
		return flateDecode(data, param)
	case "LZWDecode", "LZW":
		return lzwDecode(data, param)
	case "ASCIIHexDecode", "AHx":
		return asciiHexDecode(data)
	case "ASCII85Decode", "A85":
		return ascii85Decode(data)
	case "RunLengthDecode", "RL":
		return runLengthDecode(data)
	case "CCITTFaxDecode", "CCF":
		return ccittDecode(data, param)
	case "DCTDecode", "DCT":
		return dctDecode(data)
	case "Crypt":
		return cryptFilter(data, param)
	default:
		// JPXDecode, JBIG2Decode and anything unknown: hand back the
		// bytes as-is and flag the filter.
		return data, &UnsupportedFilterError{Name: fname}
	}
}

// flateDecode inflates data and reverses any declared predictor. A handful
// of producers write raw deflate data without the zlib wrapper, so that is
// tried before giving up.
func flateDecode(data []byte, param Value) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	var out []byte
	if err == nil {
		out, err = readAllLimited(zr)
		zr.Close()
	}
	if err != nil {
		fr := flate.NewReader(bytes.NewReader(data))
		out2, err2 := readAllLimited(fr)
		fr.Close()
		if err2 != nil {
			return nil, fmt.Errorf("%w: inflate: %v", ErrFilterData, err)
		}
		out = out2
	}
	return applyPredictor(out, parsePredictorParams(param))
}

// lzwDecode decompresses PDF LZW data (MSB-first, 8-bit literals) and
// reverses any declared predictor.
func lzwDecode(data []byte, param Value) ([]byte, error) {
	lr := lzw.NewReader(bytes.NewReader(data), lzw.MSB, 8)
	out, err := readAllLimited(lr)
	lr.Close()
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("%w: lzw: %v", ErrFilterData, err)
	}
	// An EarlyChange=1 stream (the default) shifts code widths one code
	// sooner than compress/lzw expects. The streams seen in practice
	// still decode; a trailing error with data already produced is noise.
	return applyPredictor(out, parsePredictorParams(param))
}

// asciiHexDecode decodes hex pairs up to the ">" terminator. Whitespace is
// ignored; an odd final digit is treated as the high nibble.
func asciiHexDecode(data []byte) ([]byte, error) {
	var out bytes.Buffer
	var hi = -1
	for _, c := range data {
		if c == '>' {
			break
		}
		if isSpace(c) {
			continue
		}
		d := unhex(c)
		if d < 0 {
			return nil, fmt.Errorf("%w: invalid hex digit %q", ErrFilterData, c)
		}
		if hi < 0 {
			hi = d
		} else {
			out.WriteByte(byte(hi<<4 | d))
			hi = -1
		}
	}
	if hi >= 0 {
		out.WriteByte(byte(hi << 4))
	}
	return out.Bytes(), nil
}

// ascii85Decode decodes base-85 data up to the "~>" terminator. Some
// producers carry over the "<~" opener from PostScript; it is stripped here
// because a bare "<" is itself a valid data character.
func ascii85Decode(data []byte) ([]byte, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n\f\x00")
	if bytes.HasPrefix(trimmed, []byte("<~")) {
		data = trimmed[2:]
	}
	dec := ascii85.NewDecoder(newAlphaReader(bytes.NewReader(data)))
	out, err := readAllLimited(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: ascii85: %v", ErrFilterData, err)
	}
	return out, nil
}

// runLengthDecode expands run-length encoded data: a length byte 0-127
// means copy the next length+1 bytes, 129-255 means repeat the next byte
// 257-length times, 128 is end of data.
func runLengthDecode(data []byte) ([]byte, error) {
	var out bytes.Buffer
	i := 0
	for i < len(data) {
		l := int(data[i])
		i++
		switch {
		case l == 128:
			return out.Bytes(), nil
		case l < 128:
			if i+l+1 > len(data) {
				return out.Bytes(), fmt.Errorf("%w: run length literal truncated", ErrFilterData)
			}
			out.Write(data[i : i+l+1])
			i += l + 1
		default:
			if i >= len(data) {
				return out.Bytes(), fmt.Errorf("%w: run length repeat truncated", ErrFilterData)
			}
			for n := 0; n < 257-l; n++ {
				out.WriteByte(data[i])
			}
			i++
		}
	}
	// Missing EOD marker; accept what decoded.
	return out.Bytes(), nil
}

// ccittDecode decodes Group 3 / Group 4 fax data. The mixed 1D/2D mode
// (K > 0) has no decoder here and reports the filter as unsupported.
func ccittDecode(data []byte, param Value) ([]byte, error) {
	k := param.Key("K").Int64()
	if k > 0 {
		return data, &UnsupportedFilterError{Name: "CCITTFaxDecode"}
	}
	sf := ccitt.Group3
	if k < 0 {
		sf = ccitt.Group4
	}
	columns := int(param.Key("Columns").Int64())
	if columns == 0 {
		columns = 1728
	}
	rows := int(param.Key("Rows").Int64())
	if rows == 0 {
		rows = int(param.Key("Height").Int64())
	}
	opts := &ccitt.Options{
		Invert: !param.Key("BlackIs1").Bool(),
		Align:  param.Key("EncodedByteAlign").Bool(),
	}
	rd := ccitt.NewReader(bytes.NewReader(data), ccitt.MSB, sf, columns, rows, opts)
	out, err := readAllLimited(rd)
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("%w: ccitt: %v", ErrFilterData, err)
	}
	return out, nil
}

// dctDecode decodes JPEG data to interleaved 8-bit samples: one byte per
// pixel for grayscale images, three (RGB) for everything else.
func dctDecode(data []byte) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return data, fmt.Errorf("%w: jpeg: %v", ErrFilterData, err)
	}
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok {
		out := make([]byte, 0, b.Dx()*b.Dy())
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := g.Pix[(y-b.Min.Y)*g.Stride:]
			out = append(out, row[:b.Dx()]...)
		}
		return out, nil
	}
	out := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			cr, cg, cb, _ := img.At(x, y).RGBA()
			out = append(out, byte(cr>>8), byte(cg>>8), byte(cb>>8))
		}
	}
	return out, nil
}

// cryptFilter handles the /Crypt stream filter. The Identity transform is a
// no-op: the bytes were already decrypted (or never encrypted) at the
// stream level. Named crypt filters beyond Identity are not supported.
func cryptFilter(data []byte, param Value) ([]byte, error) {
	nm := param.Key("Name").Name()
	if nm == "" || nm == "Identity" {
		return data, nil
	}
	return data, &UnsupportedFilterError{Name: "Crypt/" + nm}
}

func readAllLimited(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxDecodedStream+1))
	if err != nil {
		return out, err
	}
	if len(out) > maxDecodedStream {
		return nil, fmt.Errorf("%w: decoded stream exceeds %d bytes", ErrFilterData, maxDecodedStream)
	}
	return out, nil
}

// Copyright © 2026, SAS Institute Inc., Cary, NC, USA.  All Rights Reserved.
// SPDX-License-Identifier: BSD-3-Clause

package pdfcore

import (
	"bytes"
	"fmt"
)

// predictorParams describes the predictor applied before Flate or LZW
// compression, from the filter's /DecodeParms dictionary.
type predictorParams struct {
	Predictor int // 1=none, 2=TIFF, 10-15=PNG
	Colors    int // number of color components (default 1)
	BPC       int // bits per component (default 8)
	Columns   int // pixels per row (default 1)
}

func defaultPredictorParams() predictorParams {
	return predictorParams{Predictor: 1, Colors: 1, BPC: 8, Columns: 1}
}

// parsePredictorParams reads predictor parameters from a /DecodeParms value.
func parsePredictorParams(param Value) predictorParams {
	p := defaultPredictorParams()
	if param.Kind() != Dict {
		return p
	}
	if pred := param.Key("Predictor"); pred.Kind() == Integer {
		p.Predictor = int(pred.Int64())
	}
	if colors := param.Key("Colors"); colors.Kind() == Integer {
		p.Colors = int(colors.Int64())
	}
	if bpc := param.Key("BitsPerComponent"); bpc.Kind() == Integer {
		p.BPC = int(bpc.Int64())
	}
	if cols := param.Key("Columns"); cols.Kind() == Integer {
		p.Columns = int(cols.Int64())
	}
	return p
}

// applyPredictor reverses the row predictor over already-decompressed data.
// A short (partial) final row is passed through undone rather than rejected:
// truncated streams are common and the caller usually still wants the data.
func applyPredictor(data []byte, p predictorParams) ([]byte, error) {
	if p.Predictor <= 1 {
		return data, nil
	}
	if p.Colors < 1 {
		p.Colors = 1
	}
	if p.BPC < 1 {
		p.BPC = 8
	}
	if p.Columns < 1 {
		p.Columns = 1
	}
	bpp := (p.Colors*p.BPC + 7) / 8
	rowBytes := (p.Columns*p.Colors*p.BPC + 7) / 8

	switch {
	case p.Predictor == 2:
		return applyTIFFPredictor(data, bpp, rowBytes), nil
	case p.Predictor >= 10 && p.Predictor <= 15:
		return applyPNGPredictor(data, bpp, rowBytes)
	default:
		return nil, fmt.Errorf("%w: unsupported predictor %d", ErrFilterData, p.Predictor)
	}
}

// applyTIFFPredictor undoes horizontal differencing: each sample was stored
// as the difference from the sample one pixel to its left.
func applyTIFFPredictor(data []byte, bpp, rowBytes int) []byte {
	for row := 0; row+rowBytes <= len(data); row += rowBytes {
		cur := data[row : row+rowBytes]
		for i := bpp; i < len(cur); i++ {
			cur[i] += cur[i-bpp]
		}
	}
	return data
}

// applyPNGPredictor undoes the per-row PNG filters. Each row is preceded by
// a filter-type byte; the declared /Predictor value (10–15) only sets the
// defaults the encoder used, the byte in the data is authoritative.
func applyPNGPredictor(data []byte, bpp, rowBytes int) ([]byte, error) {
	var out bytes.Buffer
	out.Grow(len(data))
	prev := make([]byte, rowBytes)
	cur := make([]byte, rowBytes)

	for pos := 0; pos < len(data); pos += 1 + rowBytes {
		ft := data[pos]
		row := data[pos+1:]
		if len(row) > rowBytes {
			row = row[:rowBytes]
		}
		copy(cur, row)
		if len(row) < rowBytes {
			// partial final row
			cur = cur[:len(row)]
		}

		switch ft {
		case 0: // None
		case 1: // Sub
			for i := bpp; i < len(cur); i++ {
				cur[i] += cur[i-bpp]
			}
		case 2: // Up
			for i := 0; i < len(cur); i++ {
				cur[i] += prev[i]
			}
		case 3: // Average
			for i := 0; i < bpp && i < len(cur); i++ {
				cur[i] += prev[i] / 2
			}
			for i := bpp; i < len(cur); i++ {
				cur[i] += byte((int(cur[i-bpp]) + int(prev[i])) / 2)
			}
		case 4: // Paeth
			for i := 0; i < bpp && i < len(cur); i++ {
				cur[i] += paeth(0, prev[i], 0)
			}
			for i := bpp; i < len(cur); i++ {
				cur[i] += paeth(cur[i-bpp], prev[i], prev[i-bpp])
			}
		default:
			return nil, fmt.Errorf("%w: invalid PNG filter type %d", ErrFilterData, ft)
		}

		out.Write(cur)
		copy(prev, cur)
	}
	return out.Bytes(), nil
}

func paeth(a, b, c byte) byte {
	pa := absInt(int(b) - int(c))
	pb := absInt(int(a) - int(c))
	pc := absInt(int(a) + int(b) - 2*int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

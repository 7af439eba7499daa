// Copyright © 2026, SAS Institute Inc., Cary, NC, USA.  All Rights Reserved.
// SPDX-License-Identifier: BSD-3-Clause

package pdfcore

import "io"

// alphaReader cleans an ASCII85 byte stream before it reaches the decoder:
// bytes outside the ASCII85 alphabet are dropped and a '~' (the start of the
// "~>" terminator) ends the stream. The standard decoder tolerates
// whitespace but chokes on the terminator and on stray garbage that
// malformed producers emit.
type alphaReader struct {
	r    io.Reader
	done bool
}

func newAlphaReader(r io.Reader) *alphaReader {
	return &alphaReader{r: r}
}

func validASCII85(c byte) bool {
	return ('!' <= c && c <= 'u') || c == 'z'
}

func (a *alphaReader) Read(p []byte) (int, error) {
	if a.done {
		return 0, io.EOF
	}
	for {
		n, err := a.r.Read(p)
		j := 0
		for i := 0; i < n; i++ {
			c := p[i]
			switch {
			case c == '~':
				a.done = true
			case validASCII85(c):
				p[j] = c
				j++
			default:
				// whitespace or garbage, dropped
			}
			if a.done {
				break
			}
		}
		if a.done {
			return j, nil
		}
		if j > 0 || err != nil {
			return j, err
		}
		// Everything read was whitespace or garbage; try again.
	}
}

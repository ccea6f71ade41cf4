package server

import (
	"io"

	"golang.org/x/text/transform"
)

// crlfEncoder converts bare LF to CRLF for ASCII downloads. Line endings
// that are already CRLF pass through unchanged.
type crlfEncoder struct {
	prevCR bool
}

func (e *crlfEncoder) Reset() { e.prevCR = false }

func (e *crlfEncoder) Transform(dst, src []byte, _ bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c == '\n' && !e.prevCR {
			if nDst+2 > len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = '\r'
			dst[nDst+1] = '\n'
			nDst += 2
		} else {
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = c
			nDst++
		}
		e.prevCR = c == '\r'
		nSrc++
	}
	return nDst, nSrc, nil
}

// crlfDecoder converts CRLF to LF for ASCII uploads. A CR not followed by
// LF is kept.
type crlfDecoder struct {
	transform.NopResetter
}

func (crlfDecoder) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c == '\r' {
			if nSrc+1 == len(src) && !atEOF {
				return nDst, nSrc, transform.ErrShortSrc
			}
			if nSrc+1 < len(src) && src[nSrc+1] == '\n' {
				nSrc++
				continue
			}
		}
		if nDst >= len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		dst[nDst] = c
		nDst++
		nSrc++
	}
	return nDst, nSrc, nil
}

// asciiReader converts a file's native line endings to the CRLF wire form.
func asciiReader(r io.Reader) io.Reader {
	return transform.NewReader(r, &crlfEncoder{})
}

// asciiWriter converts CRLF from the wire to LF. Close must be called to
// flush it; it does not close w.
func asciiWriter(w io.Writer) *transform.Writer {
	return transform.NewWriter(w, crlfDecoder{})
}

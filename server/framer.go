package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"
)

// MaxCommandLength is the longest command line accepted, excluding the line
// terminator. Longer lines are discarded up to their newline.
const MaxCommandLength = 4096

var errLineTooLong = errors.New("command line too long")

// lineFramer turns the control connection byte stream into command lines.
//
// At most one read is outstanding. The owner arms it with readLine; a reader
// goroutine completes it and posts the callback to the session loop.
type lineFramer struct {
	in      telnetByteReader
	sched   *loop
	reading atomic.Bool
	reqs    chan func(line string, err error)
	done    chan struct{}
	once    sync.Once

	// Owned by the reader goroutine.
	partial  []byte
	overflow bool
}

func newLineFramer(r io.Reader, sched *loop) *lineFramer {
	return &lineFramer{
		in:    telnetByteReader{r: bufio.NewReader(r)},
		sched: sched,
		reqs:  make(chan func(string, error), 1),
		done:  make(chan struct{}),
	}
}

// readLine arms a read of the next line. cb runs on the loop goroutine.
// A request made while another is outstanding is dropped and readLine
// reports false.
func (f *lineFramer) readLine(cb func(line string, err error)) bool {
	if !f.reading.CompareAndSwap(false, true) {
		return false
	}
	f.reqs <- cb
	return true
}

// run serves read requests until stop is called or the connection fails.
func (f *lineFramer) run() {
	for {
		var cb func(string, error)
		select {
		case cb = <-f.reqs:
		case <-f.done:
			return
		}

		line, err := f.next()
		posted := f.sched.post(func() {
			f.reading.Store(false)
			cb(line, err)
		})
		if !posted || (err != nil && !errors.Is(err, errLineTooLong) && !isTimeout(err)) {
			return
		}
	}
}

func (f *lineFramer) stop() {
	f.once.Do(func() { close(f.done) })
}

// next reads one line. A partial line survives a read timeout so the read
// can be re-armed without losing input.
func (f *lineFramer) next() (string, error) {
	for {
		b, err := f.in.ReadByte()
		if err != nil {
			return "", err
		}
		if b != '\n' {
			if len(f.partial) <= MaxCommandLength {
				f.partial = append(f.partial, b)
			} else {
				f.overflow = true
			}
			continue
		}

		raw := f.partial
		if n := len(raw); n > 0 && raw[n-1] == '\r' {
			raw = raw[:n-1]
		}
		tooLong := f.overflow || len(raw) > MaxCommandLength
		line := decodeLine(raw)
		f.partial = f.partial[:0]
		f.overflow = false

		if tooLong {
			return "", errLineTooLong
		}
		return line, nil
	}
}

// decodeLine interprets a command line as UTF-8, replacing invalid
// sequences with U+FFFD.
func decodeLine(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

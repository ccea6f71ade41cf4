package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/gonzalop/ftpd/server")

// dataTransfer is one command's use of the data connection.
type dataTransfer struct {
	verb    string
	path    string
	opening string

	// run moves the data. It runs on a helper goroutine and must not touch
	// the session.
	run func(ctx context.Context, ch *dataChannel) (int64, error)

	// release frees the storage handle. It runs at most once.
	release     func() error
	releaseOnce sync.Once
	releaseErr  error

	cancel  context.CancelFunc
	channel *dataChannel
	span    trace.Span
	started time.Time
	aborted bool
}

func (t *dataTransfer) close() error {
	t.releaseOnce.Do(func() {
		if t.release != nil {
			t.releaseErr = t.release()
		}
	})
	return t.releaseErr
}

// storageError marks a failure on the storage side of a copy, as opposed
// to the network side.
type storageError struct {
	err error
}

func (e *storageError) Error() string { return e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

type storageReader struct{ r io.Reader }

func (s storageReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		err = &storageError{err}
	}
	return n, err
}

type storageWriter struct{ w io.Writer }

func (s storageWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		err = &storageError{err}
	}
	return n, err
}

// onDataReady runs t on the data connection: right away if one is
// established, or once the negotiated connection comes up.
func (s *session) onDataReady(t *dataTransfer) (flow, error) {
	switch s.data.(type) {
	case dataEstablished:
		s.loop.post(func() { s.startTransfer(t) })
		return flowSuspend, nil
	case dataPending:
		t.close()
		s.reply(503, "Another transfer is already waiting for the data connection.")
		return flowContinue, nil
	}

	if s.pasv == nil && s.dialCancel == nil {
		t.close()
		s.reply(425, "Use PORT or PASV first.")
		return flowContinue, nil
	}
	s.data = dataPending{t: t}
	return flowSuspend, nil
}

// startTransfer sends the preliminary reply and starts copying.
func (s *session) startTransfer(t *dataTransfer) {
	if s.closed {
		t.close()
		return
	}
	est, ok := s.data.(dataEstablished)
	if !ok {
		t.close()
		s.reply(425, "Can't open data connection.")
		s.finishAbort(225)
		s.resume()
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	ctx, t.span = tracer.Start(ctx, "ftp."+strings.ToLower(t.verb),
		trace.WithAttributes(
			attribute.String("ftp.session_id", s.sessionID),
			attribute.String("ftp.user", s.user),
			attribute.String("ftp.path", t.path),
		))
	t.cancel = cancel
	t.channel = est.ch
	t.started = time.Now()
	s.active = t

	s.logger.Info("transfer_started",
		"cmd", t.verb,
		"path", t.path,
		"user", s.user,
	)
	s.reply(150, t.opening)

	s.goAsync(func() {
		n, err := t.run(ctx, est.ch)
		if !s.loop.post(func() { s.finishTransfer(t, n, err) }) {
			cancel()
			t.close()
			est.ch.Close()
			t.span.End()
		}
	})
}

// finishTransfer closes the data connection and sends the final reply.
func (s *session) finishTransfer(t *dataTransfer, n int64, err error) {
	if s.active == t {
		s.active = nil
	}
	t.cancel()
	if cerr := t.close(); err == nil && cerr != nil {
		err = &storageError{cerr}
	}
	t.channel.Close()
	if d, ok := s.data.(dataEstablished); ok && d.ch == t.channel {
		s.data = dataIdle{}
	}

	duration := time.Since(t.started)
	t.span.SetAttributes(attribute.Int64("ftp.bytes", n))
	defer t.span.End()

	if s.closed {
		return
	}

	var se *storageError
	switch {
	case t.aborted:
		t.span.SetStatus(codes.Error, "aborted")
		s.logger.Info("transfer_aborted", "cmd", t.verb, "path", t.path, "bytes", n)
		s.reply(426, "Connection closed; transfer aborted.")
	case errors.As(err, &se):
		t.span.SetStatus(codes.Error, err.Error())
		s.logger.Error("transfer_failed", "cmd", t.verb, "path", t.path, "bytes", n, "error", err)
		s.reply(451, "Requested action aborted: local error in processing.")
	case err != nil:
		t.span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("transfer_failed", "cmd", t.verb, "path", t.path, "bytes", n, "error", err)
		s.reply(426, "Connection closed; transfer aborted.")
	default:
		s.logger.Info("transfer_complete",
			"cmd", t.verb,
			"path", t.path,
			"bytes", n,
			"duration_ms", duration.Milliseconds(),
		)
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordTransfer(t.verb, n, duration)
		}
		s.logTransfer(t.verb, t.path, n, duration)
		s.reply(226, "Transfer complete.")
	}

	s.finishAbort(226)
	s.resume()
}

// finishAbort sends the reply for an ABOR that waited on asynchronous work.
func (s *session) finishAbort(code int) {
	if !s.abortRequested {
		return
	}
	s.abortRequested = false
	s.reply(code, "ABOR command successful.")
}

// takeRestartOffset returns the REST offset and clears it.
func (s *session) takeRestartOffset() int64 {
	off := s.restartOffset
	s.restartOffset = 0
	return off
}

func (s *session) handleRETR(arg string) (flow, error) {
	p := s.resolvePath(arg)
	offset := s.takeRestartOffset()

	rc, err := s.server.storage.ReadFile(s.ctx, p, offset)
	if err != nil {
		s.replyStorageError("RETR", p, err)
		return flowContinue, nil
	}

	ascii := s.transferType == TypeASCII
	t := &dataTransfer{
		verb:    "RETR",
		path:    p,
		opening: fmt.Sprintf("Opening %s mode data connection for %s.", s.transferType, path.Base(p)),
		release: rc.Close,
	}
	t.run = func(ctx context.Context, ch *dataChannel) (int64, error) {
		var src io.Reader = storageReader{rc}
		if ascii {
			src = asciiReader(src)
		}
		n, err := ch.WriteFrom(ctx, src)
		if cerr := t.close(); err == nil && cerr != nil {
			err = &storageError{cerr}
		}
		return n, err
	}
	return s.onDataReady(t)
}

func (s *session) handleSTOR(arg string) (flow, error) {
	if arg == "" {
		return flowContinue, errors.New("STOR requires a file name")
	}
	p := s.resolvePath(arg)
	offset := s.takeRestartOffset()

	wc, err := s.server.storage.WriteFile(s.ctx, p, offset)
	if err != nil {
		s.replyStorageError("STOR", p, err)
		return flowContinue, nil
	}

	ascii := s.transferType == TypeASCII
	t := &dataTransfer{
		verb:    "STOR",
		path:    p,
		opening: fmt.Sprintf("Opening %s mode data connection for %s.", s.transferType, path.Base(p)),
		release: wc.Close,
	}
	t.run = func(ctx context.Context, ch *dataChannel) (int64, error) {
		var (
			n   int64
			err error
		)
		if ascii {
			aw := asciiWriter(storageWriter{wc})
			n, err = ch.ReadUntilClose(ctx, aw)
			if cerr := aw.Close(); err == nil && cerr != nil {
				err = cerr
			}
		} else {
			n, err = ch.ReadUntilClose(ctx, storageWriter{wc})
		}
		// Closing commits the upload, so it happens here rather than on
		// the loop.
		if cerr := t.close(); err == nil && cerr != nil {
			err = &storageError{cerr}
		}
		return n, err
	}
	return s.onDataReady(t)
}

func (s *session) handleLIST(arg string) (flow, error) {
	return s.listing("LIST", arg, formatListLine)
}

func (s *session) handleNLST(arg string) (flow, error) {
	return s.listing("NLST", arg, func(fi os.FileInfo) string { return fi.Name() })
}

// listing renders a directory listing up front and sends it over the data
// connection.
func (s *session) listing(verb, arg string, format func(os.FileInfo) string) (flow, error) {
	p := s.resolvePath(listPathArg(arg))

	entries, err := s.server.storage.ListDirectory(s.ctx, p)
	if err != nil {
		// A file argument lists just that file.
		info, serr := s.server.storage.Stat(s.ctx, p)
		if serr != nil || info.IsDir() {
			s.replyStorageError(verb, p, err)
			return flowContinue, nil
		}
		entries = []os.FileInfo{info}
	}

	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(format(e))
		buf.WriteString("\r\n")
	}

	t := &dataTransfer{
		verb:    verb,
		path:    p,
		opening: "Here comes the directory listing.",
	}
	t.run = func(ctx context.Context, ch *dataChannel) (int64, error) {
		return ch.WriteFrom(ctx, &buf)
	}
	return s.onDataReady(t)
}

// listPathArg drops ls-style flags such as "-la" that many clients send
// with LIST.
func listPathArg(arg string) string {
	for {
		arg = strings.TrimSpace(arg)
		if !strings.HasPrefix(arg, "-") {
			return arg
		}
		_, rest, _ := strings.Cut(arg, " ")
		arg = rest
	}
}

// formatListLine renders one entry in the "ls -l" format clients parse.
func formatListLine(fi os.FileInfo) string {
	mod := fi.ModTime()
	var date string
	if time.Since(mod) > 180*24*time.Hour || mod.After(time.Now().Add(time.Hour)) {
		date = mod.Format("Jan _2  2006")
	} else {
		date = mod.Format("Jan _2 15:04")
	}

	nlink := 1
	if fi.IsDir() {
		nlink = 2
	}
	return fmt.Sprintf("%s %4d ftp      ftp      %12d %s %s",
		fi.Mode().String(), nlink, fi.Size(), date, fi.Name())
}

// handleABOR aborts whatever the data connection is doing.
//
// A running transfer is canceled; it replies 426 and then ABOR replies 226.
// A transfer still waiting for its connection gets 426 and ABOR replies 225.
// Otherwise any idle connection or listener is closed and ABOR replies 225.
func (s *session) handleABOR(string) (flow, error) {
	if t := s.active; t != nil {
		s.logger.Info("transfer_abort_requested", "cmd", t.verb, "path", t.path)
		t.aborted = true
		t.cancel()
		t.channel.Close()
		s.abortRequested = true
		return flowSuspend, nil
	}
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
		s.abortRequested = true
		return flowSuspend, nil
	}

	if p, ok := s.data.(dataPending); ok {
		p.t.close()
		s.data = dataIdle{}
		s.reply(426, "Connection closed; transfer aborted.")
		// The waiting command is over; ABOR's own reply ends the exchange.
		s.suspended = false
	}

	if _, ok := s.data.(dataEstablished); ok || s.pasv != nil {
		s.resetDataPath()
		s.reply(225, "ABOR command successful; data channel closed.")
		return flowContinue, nil
	}
	s.reply(225, "ABOR command successful.")
	return flowContinue, nil
}

// logTransfer logs a file transfer in standard xferlog format.
// Format: current-time transfer-time remote-host file-size filename transfer-type special-action-flag direction access-mode username service-name authentication-method authenticated-user-id completion-status
func (s *session) logTransfer(cmd, filename string, bytes int64, duration time.Duration) {
	if s.server.transferLog == nil || (cmd != "RETR" && cmd != "STOR") {
		return
	}

	transferTime := int64(duration.Seconds())
	if transferTime == 0 {
		transferTime = 1
	}

	tType := "b"
	if s.transferType == TypeASCII {
		tType = "a"
	}

	direction := "o"
	if cmd == "STOR" {
		direction = "i"
	}

	accessMode := "r"
	if s.user == "anonymous" || s.user == "ftp" {
		accessMode = "a"
	}

	// Mon Dec 25 15:04:05 2025 1 127.0.0.1 1024 /file.txt b _ o a anonymous ftp 0 * c
	line := fmt.Sprintf("%s %d %s %d %s %s _ %s %s %s ftp 0 * c\n",
		time.Now().Format("Mon Jan 02 15:04:05 2006"),
		transferTime,
		s.remoteIP,
		bytes,
		strings.ReplaceAll(filename, " ", "_"),
		tType,
		direction,
		accessMode,
		s.user,
	)

	s.server.transferLogMu.Lock()
	defer s.server.transferLogMu.Unlock()
	_, _ = io.WriteString(s.server.transferLog, line)
}

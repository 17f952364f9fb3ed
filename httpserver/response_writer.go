package httpserver

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
)

// statusRecorder sits between two stages and remembers what the inner one
// sent. The status reads 200 until the inner stage writes a header.
type statusRecorder struct {
	http.ResponseWriter

	code int
	sent bool
	size int

	// capture, when set, receives the first captureLimit body bytes.
	capture      *bytes.Buffer
	captureLimit int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, code: http.StatusOK}
}

// captureBody starts copying up to limit body bytes into the returned buffer.
func (rec *statusRecorder) captureBody(limit int) *bytes.Buffer {
	rec.capture = &bytes.Buffer{}
	rec.captureLimit = limit
	return rec.capture
}

func (rec *statusRecorder) WriteHeader(code int) {
	if rec.sent {
		return
	}
	rec.code = code
	rec.sent = true
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	rec.WriteHeader(http.StatusOK)
	n, err := rec.ResponseWriter.Write(b)
	rec.size += n

	if rec.capture != nil && n > 0 {
		if room := rec.captureLimit - rec.capture.Len(); room > 0 {
			rec.capture.Write(b[:min(n, room)])
		}
	}
	return n, err
}

// Status is the code sent downstream, or 200 if nothing was sent yet.
func (rec *statusRecorder) Status() int { return rec.code }

// WroteHeader reports whether the status line is committed.
func (rec *statusRecorder) WroteHeader() bool { return rec.sent }

// BytesWritten counts body bytes accepted by the underlying writer.
func (rec *statusRecorder) BytesWritten() int { return rec.size }

// Unwrap lets http.ResponseController reach the underlying writer.
func (rec *statusRecorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }

// Flush commits a 200 status if none was sent. The gRPC server type-asserts
// http.Flusher on its writer, so every stage's writer must have it.
func (rec *statusRecorder) Flush() {
	rec.WriteHeader(http.StatusOK)
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		rec.sent = true
		rec.code = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

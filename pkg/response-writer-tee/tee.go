package tee

import (
	"bytes"
	"net/http"
	"time"

	facts "github.com/always-cache/responsecache/pkg/request-facts"
)

// ResponseSaver is a wrapper around http.ResponseWriter that saves the response to a buffer
// while writing it through to the underlying http.ResponseWriter.
// The header map is shared with the underlying writer; it is snapshotted when the
// status is written.
type ResponseSaver struct {
	rw           http.ResponseWriter
	b            *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
	discarded    bool
	CreatedAt    time.Time
	// BeforeWriteHeader, when set, may inspect and modify the header before it
	// is captured and sent to the client.
	BeforeWriteHeader func(statusCode int, header http.Header)
	// Keep, when set, decides from the status and header whether the body is
	// worth recording. A rejected body is only written through.
	Keep func(statusCode int, header http.Header) bool
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.rw.Header()
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
	if t.BeforeWriteHeader != nil {
		t.BeforeWriteHeader(statusCode, t.rw.Header())
	}
	t.header = t.rw.Header().Clone()
	if t.Keep != nil && !t.Keep(statusCode, t.header) {
		t.discarded = true
	}
	t.rw.WriteHeader(statusCode)
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if !t.discarded {
		t.b.Write(b)
	}
	return t.rw.Write(b)
}

// Flush implements http.Flusher when the underlying writer does.
func (t *ResponseSaver) Flush() {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if f, ok := t.rw.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying writer for http.ResponseController.
func (t *ResponseSaver) Unwrap() http.ResponseWriter {
	return t.rw
}

// Discarded reports whether Keep rejected the response.
func (t *ResponseSaver) Discarded() bool {
	return t.discarded
}

// Body returns the recorded body.
func (t *ResponseSaver) Body() []byte {
	return t.b.Bytes()
}

// StatusCode returns the status code of the response.
// A handler that wrote nothing implicitly answered 200.
func (t *ResponseSaver) StatusCode() int {
	if !t.wroteHeaders {
		return http.StatusOK
	}
	return t.status
}

// Facts returns a snapshot of the captured response.
// A missing Content-Type is sniffed from the body the same way net/http does it
// when writing the response.
func (t *ResponseSaver) Facts() facts.ResponseFacts {
	header := t.header
	if header == nil {
		header = t.rw.Header()
	}
	header = header.Clone()
	body := append([]byte(nil), t.b.Bytes()...)
	if header.Get("Content-Type") == "" && len(body) > 0 {
		if _, haveType := header["Content-Type"]; !haveType {
			header.Set("Content-Type", http.DetectContentType(body))
		}
	}
	return facts.ResponseFacts{
		StatusCode: t.StatusCode(),
		Header:     header,
		Body:       body,
	}
}

// NewResponseSaver returns a new ResponseSaver writing through to w.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		CreatedAt: time.Now(),
		rw:        w,
		b:         &bytes.Buffer{},
	}
}

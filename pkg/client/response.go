package client

import (
	"io"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/WhileEndless/go-parallelhttp/pkg/buffer"
	"github.com/WhileEndless/go-parallelhttp/pkg/constants"
	"github.com/WhileEndless/go-parallelhttp/pkg/cookie"
	"github.com/WhileEndless/go-parallelhttp/pkg/header"
	"github.com/WhileEndless/go-parallelhttp/pkg/timing"
)

// Response is the result of one task. Until a status line is parsed Status
// holds the 400 "Bad Request" sentinel. Check Err before trusting Status or
// the body: a failed response may still carry what was received.
type Response struct {
	// URL is the raw URL of the original request, before any redirect.
	URL string
	// Key is the batch key, empty for a single request.
	Key string
	// TaskID identifies the task in logs.
	TaskID string

	Status      int
	StatusText  string
	HTTPVersion string
	Header      *header.Header
	Cookies     *cookie.Jar

	Err           error
	TimeCost      time.Duration
	NumRedirected int
	Metrics       timing.Metrics

	// Connection metadata of the last hop
	ConnectionReused bool
	RemoteAddr       string
	TLSVersion       uint16

	body *buffer.Buffer
}

func newResponse(rawURL string, memLimit int64) *Response {
	r := &Response{
		URL:     rawURL,
		Header:  header.New(),
		Cookies: cookie.NewJar(),
		body:    buffer.New(memLimit),
	}
	r.Reset()
	return r
}

// Reset restores the unset state: status sentinel, no body, no headers, no
// cookies and no error. NumRedirected is kept.
func (r *Response) Reset() {
	r.Status = constants.UnsetStatus
	r.StatusText = constants.UnsetStatusText
	r.HTTPVersion = ""
	r.Err = nil
	r.TimeCost = 0
	r.Metrics = timing.Metrics{}
	r.Header.Clear()
	r.Cookies.ClearAll()
	r.body.Reset()
}

// HasError reports whether the task failed.
func (r *Response) HasError() bool { return r.Err != nil }

// Cookie returns a cookie set by this response.
func (r *Response) Cookie(name string) string {
	v, _ := r.Cookies.Get(name, cookie.SessionDomain)
	return v
}

// Body returns the whole body. A body spilled to disk is read back; when
// that fails the error is recorded in Err and nil is returned.
func (r *Response) Body() []byte {
	b, err := r.ReadBody()
	if err != nil && r.Err == nil {
		r.Err = err
	}
	return b
}

// ReadBody is Body with the read error returned.
func (r *Response) ReadBody() ([]byte, error) {
	if r.body.Size() == 0 {
		return nil, nil
	}
	if b := r.body.Bytes(); b != nil {
		return b, nil
	}
	return r.body.ReadAll()
}

// BodyLen returns the body size in bytes.
func (r *Response) BodyLen() int64 { return r.body.Size() }

// BodyReader returns a fresh reader over the body.
func (r *Response) BodyReader() (io.ReadCloser, error) { return r.body.Reader() }

// BodySpilled reports whether the body was written to a temporary file.
func (r *Response) BodySpilled() bool { return r.body.IsSpilled() }

func (r *Response) String() string { return string(r.Body()) }

func isRedirect(status int) bool {
	return status == 301 || status == 302
}

// Redirect asks the engine to follow url once the callback returns. It is a
// no-op when the server already answered with a redirect. A forced redirect
// decrements NumRedirected; the engine's increment when following it brings
// the count back.
func (r *Response) Redirect(url string) {
	if isRedirect(r.Status) && r.Header.Has("location") {
		return
	}
	r.NumRedirected--
	r.Status = 302
	r.Header.Set("location", url)
}

// JSON parses the body when Content-Type mentions "/json". ok is false for
// other content types and for invalid documents.
func (r *Response) JSON() (gjson.Result, bool) {
	if !strings.Contains(strings.ToLower(r.Header.Get("content-type")), "/json") {
		return gjson.Result{}, false
	}
	body := r.Body()
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, false
	}
	return gjson.ParseBytes(body), true
}

// Close releases the body, removing its temporary file if any.
func (r *Response) Close() error {
	return r.body.Close()
}

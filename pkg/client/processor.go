package client

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http/httpguts"

	"github.com/WhileEndless/go-parallelhttp/pkg/constants"
	"github.com/WhileEndless/go-parallelhttp/pkg/cookie"
	"github.com/WhileEndless/go-parallelhttp/pkg/errors"
	"github.com/WhileEndless/go-parallelhttp/pkg/header"
	"github.com/WhileEndless/go-parallelhttp/pkg/timing"
	"github.com/WhileEndless/go-parallelhttp/pkg/transport"
)

type phase int

const (
	phaseConnecting phase = iota
	phaseHeader
	phaseBody
	phaseFinished
)

type bodyMode int

const (
	bodyNone bodyMode = iota
	bodyFixed
	bodyChunked
	bodyStream
)

type finishKind int

const (
	finishNormal finishKind = iota
	finishBroken
	finishTimeout
	// finishFailed: no connection could be obtained.
	finishFailed
)

// processor drives one request through connect, write, header and body
// phases, and back to connect when a redirect is followed.
type processor struct {
	key   string
	cli   *Client
	req   *Request
	res   *Response
	conn  *transport.Conn
	timer *timing.Timer
	log   *logrus.Entry

	phase       phase
	mode        bodyMode
	headerBytes int
	lastHeader  string
	remaining   int64 // fixed body bytes, or chunk bytes including the CRLF
	trailers    bool
	sent        bool
	// final disables redirects when the loop is aborting.
	final bool
}

func newProcessor(cli *Client, req *Request, key string) *processor {
	id := uuid.NewString()
	res := newResponse(req.RawURL(), cli.opts.BodyMemLimit)
	res.Key = key
	res.TaskID = id
	return &processor{
		key:   key,
		cli:   cli,
		req:   req,
		res:   res,
		timer: timing.NewTimer(),
		log:   cli.log.WithFields(logrus.Fields{"key": key, "task": id, "url": req.URL()}),
	}
}

func (p *processor) finished() bool { return p.phase == phaseFinished }

// getConn returns the task's connection, acquiring one when needed. nil
// means the task is finished or must wait for a free slot.
func (p *processor) getConn() *transport.Conn {
	if p.conn != nil || p.finished() {
		return p.conn
	}
	p.timer.StartQueue()

	t, err := p.req.Target()
	if err != nil {
		p.finish(finishFailed, err)
		return nil
	}
	c, err := p.cli.pool.Acquire(t.Endpoint, p)
	if err != nil {
		p.finish(finishFailed, err)
		return nil
	}
	if c == nil {
		return nil
	}
	p.timer.EndQueue()

	p.conn = c
	p.phase = phaseHeader
	p.sent = false
	c.Queue(p.requestBuf(t))
	p.log.WithFields(logrus.Fields{"conn": int(c.Handle()), "reused": c.Reused()}).Debug("request queued")
	return c
}

// requestBuf serializes the request: request line, merged headers with
// cookies and Content-Length, blank line, body.
func (p *processor) requestBuf(t *Target) []byte {
	req := p.req
	body, hasBody := req.Body()

	h := p.cli.header.Merge(req.header)
	h.Del("cookie")
	pairs := p.cli.jar.FetchToSend(t.CookieHost, t.Path)
	pairs = mergePairs(pairs, req.cookies.FetchToSend(t.CookieHost, t.Path))
	if len(pairs) > 0 {
		parts := make([]string, len(pairs))
		for i, c := range pairs {
			parts[i] = c.String()
		}
		h.Set("cookie", strings.Join(parts, "; "))
	}
	if hasBody {
		h.Set("content-length", strconv.Itoa(len(body)))
	} else {
		h.Del("content-length")
	}

	var buf bytes.Buffer
	buf.WriteString(req.Method() + " " + t.RequestURI() + " HTTP/1.1" + constants.CRLF)
	h.Each(func(name, value string) {
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			p.log.WithField("header", name).Warn("skipping invalid request header")
			return
		}
		buf.WriteString(header.CanonicalName(name) + ": " + value + constants.CRLF)
	})
	buf.WriteString(constants.CRLF)
	buf.Write(body)
	return buf.Bytes()
}

// mergePairs appends extra to base; a name present in both takes the value
// from extra.
func mergePairs(base, extra []cookie.Pair) []cookie.Pair {
	for _, e := range extra {
		replaced := false
		for i := range base {
			if base[i].Name == e.Name {
				base[i].Value = e.Value
				replaced = true
				break
			}
		}
		if !replaced {
			base = append(base, e)
		}
	}
	return base
}

// send is the write step.
func (p *processor) send() {
	if err := p.conn.Write(); err != nil {
		p.finish(finishBroken, err)
		return
	}
	if !p.sent && !p.conn.InTunnel() && !p.conn.HasDataToWrite() {
		p.sent = true
		p.timer.StartTTFB()
	}
}

// recv is the read step.
func (p *processor) recv() {
	if p.conn.InTunnel() {
		if err := p.conn.TunnelRead(); err != nil {
			p.finish(finishBroken, err)
		}
		return
	}
	if p.phase == phaseHeader {
		p.readHeader()
		return
	}
	p.readBody()
}

func (p *processor) readHeader() {
	for {
		line, ok, err := p.conn.ReadLine()
		if err != nil {
			p.finish(finishBroken, err)
			return
		}
		if !ok {
			return
		}
		p.timer.EndTTFB()

		p.headerBytes += len(line) + 2
		if p.headerBytes > constants.MaxHeaderBytes {
			p.finish(finishBroken, errors.NewProtocolError("headers exceed maximum size", nil))
			return
		}

		if line == "" {
			if p.res.Status >= 100 && p.res.Status < 200 && p.res.Status != 101 {
				// interim response, the final one follows
				p.log.WithField("status", p.res.Status).Debug("skip interim response")
				p.res.Header.Clear()
				p.res.Status = constants.UnsetStatus
				p.res.StatusText = constants.UnsetStatusText
				continue
			}
			p.phase = phaseBody
			if !p.frameBody() {
				return
			}
			p.readBody()
			return
		}
		p.log.WithField("line", line).Debug("read header line")

		switch {
		case strings.HasPrefix(line, "HTTP/"):
			p.parseStatus(line)
		case line[0] == ' ' || line[0] == '\t':
			if p.lastHeader != "" {
				p.res.Header.AppendToLast(p.lastHeader, strings.TrimSpace(line))
			}
		default:
			name, value, found := strings.Cut(line, ":")
			if !found {
				continue
			}
			name = strings.TrimSpace(name)
			value = strings.TrimSpace(value)
			if strings.EqualFold(name, "set-cookie") {
				p.storeCookie(value)
				continue
			}
			p.res.Header.Add(name, value)
			p.lastHeader = name
		}
	}
}

func (p *processor) parseStatus(line string) {
	version, rest, _ := strings.Cut(line, " ")
	code, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
	p.res.HTTPVersion = version
	if status, err := strconv.Atoi(code); err == nil {
		p.res.Status = status
		p.res.StatusText = text
	}
	p.lastHeader = ""
}

func (p *processor) storeCookie(value string) {
	t, err := p.req.Target()
	if err != nil {
		return
	}
	c, ok := cookie.ParseSetCookie(value, t.CookieHost, time.Now())
	if !ok {
		return
	}
	p.res.Cookies.SetRaw(c.Name, c.Value, c.Expires, cookie.SessionDomain, "/")
	p.cli.jar.Store(c)
}

// frameBody picks the body mode once headers are complete. It returns false
// when the task finished.
func (p *processor) frameBody() bool {
	res := p.res
	switch {
	case p.req.Method() == "HEAD" || res.Status < 200 || res.Status == 204 || res.Status == 304:
		p.mode = bodyNone
	case strings.Contains(strings.ToLower(res.Header.Get("transfer-encoding")), "chunked"):
		p.mode = bodyChunked
	case res.Header.Has("content-length"):
		n, err := strconv.ParseInt(strings.TrimSpace(res.Header.Get("content-length")), 10, 64)
		if err != nil {
			p.finish(finishBroken, errors.NewProtocolError("invalid content-length", err))
			return false
		}
		if n < 0 {
			p.finish(finishBroken, errors.NewProtocolError("negative content-length not allowed", nil))
			return false
		}
		if n > constants.MaxContentLength {
			p.finish(finishBroken, errors.NewProtocolError("content-length too large", nil))
			return false
		}
		p.mode = bodyFixed
		p.remaining = n
	default:
		p.mode = bodyStream
		res.Header.Set("connection", "close")
	}
	if p.mode == bodyNone {
		p.finish(finishNormal, nil)
		return false
	}
	return true
}

func (p *processor) readBody() {
	switch p.mode {
	case bodyChunked:
		p.readChunked()
	case bodyFixed:
		p.readFixed()
	case bodyStream:
		p.readStream()
	}
}

func (p *processor) readFixed() {
	for p.remaining > 0 {
		buf, err := p.conn.Read(int(min(p.remaining, constants.MaxInboundBuffer)))
		if err != nil {
			p.finish(finishBroken, err)
			return
		}
		if buf == nil {
			return
		}
		if _, err := p.res.body.Write(buf); err != nil {
			p.finish(finishBroken, err)
			return
		}
		p.remaining -= int64(len(buf))
	}
	p.finish(finishNormal, nil)
}

func (p *processor) readChunked() {
	for {
		if p.remaining > 0 {
			buf, err := p.conn.Read(int(min(p.remaining, constants.MaxInboundBuffer)))
			if err != nil {
				p.finish(finishBroken, err)
				return
			}
			if buf == nil {
				return
			}
			// the last two bytes of every chunk are its CRLF
			data := min(int64(len(buf)), max(p.remaining-2, 0))
			if _, err := p.res.body.Write(buf[:data]); err != nil {
				p.finish(finishBroken, err)
				return
			}
			p.remaining -= int64(len(buf))
			continue
		}

		line, ok, err := p.conn.ReadLine()
		if err != nil {
			p.finish(finishBroken, err)
			return
		}
		if !ok {
			return
		}

		if p.trailers {
			if line == "" {
				p.finish(finishNormal, nil)
				return
			}
			if name, value, found := strings.Cut(line, ":"); found {
				p.res.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
			}
			continue
		}

		sizeText, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeText), 16, 64)
		if err != nil || size < 0 {
			p.finish(finishBroken, errors.NewProtocolError("invalid chunk size "+strconv.Quote(line), err))
			return
		}
		p.log.WithField("size", size).Debug("read chunk size")
		if size == 0 {
			p.trailers = true
			continue
		}
		p.remaining = size + 2
	}
}

// readStream reads until the peer closes. Any end of input is a normal
// finish.
func (p *processor) readStream() {
	for {
		buf, err := p.conn.Read(0)
		if err != nil {
			p.finish(finishNormal, nil)
			return
		}
		if buf == nil {
			return
		}
		if _, err := p.res.body.Write(buf); err != nil {
			p.finish(finishBroken, err)
			return
		}
	}
}

// brokenError picks the most specific error for a failed transfer.
func (p *processor) brokenError() error {
	if p.conn != nil && p.conn.Err() != nil {
		return p.conn.Err()
	}
	if err := p.cli.pool.LastError(); err != nil {
		return err
	}
	return errors.NewBrokenError("", 0, nil)
}

// finish completes the task: error slot, gzip decoding, metrics, callback,
// connection release, and the redirect decision.
func (p *processor) finish(kind finishKind, err error) {
	p.phase = phaseFinished
	res := p.res

	switch kind {
	case finishBroken:
		if err == nil {
			err = p.brokenError()
		}
		res.Err = err
	case finishTimeout:
		res.Err = errors.NewTimeoutError(err)
	case finishFailed:
		res.Err = err
	}

	if res.Err == nil && strings.Contains(strings.ToLower(res.Header.Get("content-encoding")), "gzip") && res.body.Size() > 0 {
		p.gunzip()
	}

	if p.conn != nil {
		res.ConnectionReused = p.conn.Reused()
		md := p.conn.Metadata()
		res.RemoteAddr = md.RemoteAddr
		res.TLSVersion = md.TLSVersion
		if !p.conn.Reused() {
			p.timer.SetConnSpans(p.conn.Spans())
		}
	}
	res.TimeCost = p.timer.Elapsed()
	res.Metrics = p.timer.GetMetrics()

	p.cli.runParser(res, p.req, p.key)

	if p.conn != nil {
		closeConn := kind != finishNormal || p.mode == bodyStream ||
			strings.EqualFold(res.Header.Get("connection"), "close") ||
			(res.HTTPVersion == "HTTP/1.0" && !strings.EqualFold(res.Header.Get("connection"), "keep-alive"))
		p.cli.pool.Release(p.conn, closeConn)
		p.conn = nil

		if location := res.Header.Get("location"); !p.final && isRedirect(res.Status) && location != "" &&
			res.NumRedirected < p.req.MaxRedirect() {
			if p.redirect(location) {
				return
			}
		}
	}

	entry := p.log.WithFields(logrus.Fields{"status": res.Status, "elapsed": res.TimeCost})
	if res.Err != nil {
		entry.WithError(res.Err).Debug("finished")
	} else {
		entry.Debug("finished")
	}
}

// redirect rewrites the request for location and puts the task back into
// the connecting phase.
func (p *processor) redirect(location string) bool {
	t, err := p.req.Target()
	if err != nil {
		return false
	}
	base := t.Scheme + "://" + t.Endpoint.HostPort() + t.RequestURI()
	next, err := resolveReference(base, location)
	if err != nil {
		p.log.WithError(err).WithField("location", location).Warn("ignoring invalid redirect location")
		return false
	}
	p.log.WithField("location", next).Debug("redirect")

	p.req.resetForRedirect(next)
	p.res.NumRedirected++
	p.res.Reset()
	p.timer.ResetHop()

	p.phase = phaseConnecting
	p.mode = bodyNone
	p.headerBytes = 0
	p.lastHeader = ""
	p.remaining = 0
	p.trailers = false
	p.sent = false
	return true
}

// gunzip replaces the body with its decompressed form. A body that does not
// decode is kept as received.
func (p *processor) gunzip() {
	raw, err := p.res.ReadBody()
	if err != nil {
		p.res.Err = err
		return
	}
	var out []byte
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err == nil {
		out, err = io.ReadAll(zr)
	}
	if err != nil && len(raw) > 18 {
		// fixed 10-byte header and 8-byte trailer around raw deflate
		out, err = io.ReadAll(flate.NewReader(bytes.NewReader(raw[10 : len(raw)-8])))
	}
	if err != nil {
		p.log.WithError(err).Warn("gzip decoding failed, keeping raw body")
		return
	}
	if err := p.res.body.Replace(out); err != nil {
		p.res.Err = err
	}
}

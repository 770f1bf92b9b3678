package client

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/WhileEndless/go-parallelhttp/pkg/constants"
	"github.com/WhileEndless/go-parallelhttp/pkg/cookie"
	"github.com/WhileEndless/go-parallelhttp/pkg/errors"
	"github.com/WhileEndless/go-parallelhttp/pkg/header"
	"github.com/WhileEndless/go-parallelhttp/pkg/transport"
)

// ServerIPHeader pins the address a request connects to, bypassing DNS.
// It is sent to the server like any other header.
const ServerIPHeader = "X-Server-Ip"

// Request is one HTTP request. It is not safe for concurrent use and must
// not be shared by tasks of the same batch.
type Request struct {
	rawURL      string
	url         string
	method      string
	header      *header.Header
	cookies     *cookie.Jar
	body        []byte
	hasBody     bool
	fields      []formField
	files       []formFile
	maxRedirect int

	// NoProxy sends the request directly even when the client has a proxy.
	NoProxy bool

	target *Target
	now    func() time.Time
}

type formField struct {
	name  string
	value string
}

type formFile struct {
	name     string
	filename string
	content  []byte
}

// Target is the parsed form of a request URL.
type Target struct {
	Scheme string
	// Host is the lower-case ASCII host used for DNS, SNI and CONNECT.
	Host string
	Port int
	// CookieHost is the host cookies are matched against, taken from the
	// Host header when the caller set one.
	CookieHost string
	Path       string
	Query      string
	// IP is the X-Server-Ip override, empty when DNS is used.
	IP       string
	Endpoint transport.Endpoint
}

// RequestURI returns path[?query] as sent on the request line.
func (t *Target) RequestURI() string {
	if t.Query == "" {
		return t.Path
	}
	return t.Path + "?" + t.Query
}

// NewRequest creates a request. An empty method means GET.
func NewRequest(rawURL, method string) *Request {
	r := &Request{
		header:      header.New(),
		cookies:     cookie.NewJar(),
		method:      "GET",
		maxRedirect: constants.DefaultMaxRedirect,
		now:         time.Now,
	}
	r.SetURL(rawURL)
	if method != "" {
		r.SetMethod(method)
	}
	return r
}

// String returns the request URL.
func (r *Request) String() string { return r.url }

// RawURL returns the URL as given by the caller.
func (r *Request) RawURL() string { return r.rawURL }

// URL returns the URL the request is sent to.
func (r *Request) URL() string { return r.url }

// SetURL changes the target. Parsing is deferred to Target.
func (r *Request) SetURL(rawURL string) {
	r.rawURL = rawURL
	r.url = strings.ReplaceAll(rawURL, "&amp;", "&")
	r.target = nil
}

func (r *Request) Method() string { return r.method }

// SetMethod sets the method, upper-cased.
func (r *Request) SetMethod(method string) {
	r.method = strings.ToUpper(strings.TrimSpace(method))
}

// Header returns the request headers. Names set here replace the client's
// default headers of the same name.
func (r *Request) Header() *header.Header { return r.header }

// SetHeader sets a header; an empty value removes it.
func (r *Request) SetHeader(name, value string) {
	if value == "" {
		r.header.Del(name)
		return
	}
	r.header.Set(name, value)
}

// Cookies returns the request's own cookies, sent in addition to the
// client's jar.
func (r *Request) Cookies() *cookie.Jar { return r.cookies }

// SetCookie adds a request cookie. The value is escaped.
func (r *Request) SetCookie(name, value string) {
	r.cookies.Set(name, value)
}

// ClearCookies drops the request's own cookies.
func (r *Request) ClearCookies() {
	r.cookies.Clear(cookie.SessionDomain, "")
}

func (r *Request) MaxRedirect() int { return r.maxRedirect }

// SetMaxRedirect sets how many redirects are followed. 0 disables them.
func (r *Request) SetMaxRedirect(n int) {
	if n < 0 {
		n = 0
	}
	r.maxRedirect = n
}

// SetBody sets a raw body. nil clears the body and any form fields.
func (r *Request) SetBody(body []byte) {
	r.body = body
	r.hasBody = body != nil
	r.fields = nil
	r.files = nil
	if body == nil {
		r.header.Del("content-length")
	}
}

// SetJSONBody encodes v as the body with Content-Type application/json.
func (r *Request) SetJSONBody(v any) error {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return errors.NewValidationError("encoding json body: " + err.Error())
	}
	r.SetBody([]byte(strings.TrimSuffix(b.String(), "\n")))
	r.header.Set("content-type", "application/json")
	return nil
}

// AddPostField adds a form field and switches the method to POST. Maps and
// slices are flattened into name[key][sub] fields.
func (r *Request) AddPostField(name string, value any) {
	r.method = "POST"
	r.body = nil
	r.hasBody = false
	for _, f := range flattenField(name, value) {
		r.setField(f)
	}
}

func (r *Request) setField(f formField) {
	for i := range r.fields {
		if r.fields[i].name == f.name {
			r.fields[i].value = f.value
			return
		}
	}
	r.fields = append(r.fields, f)
}

func flattenField(name string, value any) []formField {
	switch v := value.(type) {
	case map[string]any:
		var out []formField
		for _, k := range sortedMapKeys(v) {
			out = append(out, flattenField(name+"["+k+"]", v[k])...)
		}
		return out
	case map[string]string:
		var out []formField
		for _, k := range sortedMapKeys(v) {
			out = append(out, formField{name: name + "[" + k + "]", value: v[k]})
		}
		return out
	case []any:
		var out []formField
		for i, e := range v {
			out = append(out, flattenField(name+"["+strconv.Itoa(i)+"]", e)...)
		}
		return out
	case []string:
		out := make([]formField, 0, len(v))
		for i, e := range v {
			out = append(out, formField{name: name + "[" + strconv.Itoa(i) + "]", value: e})
		}
		return out
	case nil:
		return []formField{{name: name}}
	case string:
		return []formField{{name: name, value: v}}
	case []byte:
		return []formField{{name: name, value: string(v)}}
	default:
		return []formField{{name: name, value: fmt.Sprint(v)}}
	}
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AddPostFile attaches a file upload and switches the method to POST. When
// content is nil the file at path is read.
func (r *Request) AddPostFile(name, path string, content []byte) error {
	if content == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.NewValidationError("reading upload " + path + ": " + err.Error())
		}
		content = data
	}
	r.method = "POST"
	r.body = nil
	r.hasBody = false
	r.files = append(r.files, formFile{name: name, filename: filepath.Base(path), content: content})
	return nil
}

// Target parses the URL. It also fills the Host header when it is missing
// and an Authorization header from URL credentials.
func (r *Request) Target() (*Target, error) {
	if r.target != nil {
		return r.target, nil
	}
	u, err := url.Parse(r.url)
	if err != nil {
		return nil, errors.NewValidationError("invalid url " + r.url + ": " + err.Error())
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	if scheme != "http" && scheme != "https" {
		return nil, errors.NewValidationError("unsupported scheme " + scheme + " in " + r.url)
	}
	if u.Hostname() == "" {
		return nil, errors.NewValidationError("missing host in " + r.url)
	}
	host := strings.ToLower(u.Hostname())
	if net.ParseIP(host) == nil {
		host, err = idna.Lookup.ToASCII(host)
		if err != nil {
			return nil, errors.NewValidationError("invalid host " + u.Hostname() + ": " + err.Error())
		}
	}

	port := 80
	if scheme == "https" {
		port = 443
	}
	defaultPort := port
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, errors.NewValidationError("invalid port in " + r.url)
		}
	}

	if u.User != nil {
		if pass, ok := u.User.Password(); ok {
			cred := base64.StdEncoding.EncodeToString([]byte(u.User.Username() + ":" + pass))
			r.header.Set("authorization", "Basic "+cred)
		}
	}

	t := &Target{
		Scheme: scheme,
		Host:   host,
		Port:   port,
		Path:   u.EscapedPath(),
		Query:  u.RawQuery,
		IP:     r.header.Get(ServerIPHeader),
	}
	if t.Path == "" {
		t.Path = "/"
	}

	if !r.header.Has("host") {
		hh := host
		if port != defaultPort {
			hh = net.JoinHostPort(host, strconv.Itoa(port))
		}
		r.header.Set("host", hh)
	}
	t.CookieHost = r.header.Get("host")
	if h, _, err := net.SplitHostPort(t.CookieHost); err == nil {
		t.CookieHost = h
	}
	t.CookieHost = strings.ToLower(t.CookieHost)

	t.Endpoint = transport.Endpoint{
		Scheme:  scheme,
		Host:    host,
		Port:    port,
		Addr:    t.IP,
		Proxied: !r.NoProxy,
	}
	r.target = t
	return t, nil
}

// Body returns the payload to send and whether the request carries a body
// at all. POST and PUT always do. Form fields and files are encoded here,
// setting Content-Type.
func (r *Request) Body() ([]byte, bool) {
	switch {
	case r.hasBody:
		return r.body, true
	case len(r.files) > 0:
		boundary := multipartBoundary(r.rawURL, r.now())
		r.header.Set("content-type", "multipart/form-data; boundary="+boundary)
		return encodeMultipart(boundary, r.fields, r.files), true
	case len(r.fields) > 0:
		r.header.Set("content-type", "application/x-www-form-urlencoded")
		return encodeForm(r.fields), true
	case r.method == "POST" || r.method == "PUT":
		return []byte{}, true
	}
	return nil, false
}

func encodeForm(fields []formField) []byte {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(rawURLEncode(f.name))
		b.WriteByte('=')
		b.WriteString(rawURLEncode(f.value))
	}
	return []byte(b.String())
}

// rawURLEncode is RFC 3986 percent-encoding: spaces become %20.
func rawURLEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// resetForRedirect rewrites the request to follow a redirect to next.
func (r *Request) resetForRedirect(next string) {
	prev := r.url
	r.SetURL(next)
	if !r.header.Has("referer") {
		r.header.Set("referer", prev)
	}
	if r.method != "HEAD" {
		r.method = "GET"
	}
	r.ClearCookies()
	r.header.Del("host")
	r.header.Del("x-server-ip")
	r.header.Del("content-type")
	if !sameHost(prev, next) {
		r.header.Del("authorization")
	}
	r.SetBody(nil)
}

// sameHost reports whether next stays on the host of prev. A reference
// without a host is relative to prev.
func sameHost(prev, next string) bool {
	pu, err := url.Parse(prev)
	if err != nil {
		return false
	}
	nu, err := url.Parse(next)
	if err != nil {
		return false
	}
	return nu.Host == "" || strings.EqualFold(pu.Hostname(), nu.Hostname())
}

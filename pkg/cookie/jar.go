// Package cookie implements the domain/path/name cookie table used by the
// client, requests and responses, including Set-Cookie parsing and JSON
// persistence.
package cookie

import (
	"encoding/json"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/WhileEndless/go-parallelhttp/pkg/errors"
)

// SessionDomain holds cookies that are not bound to a host: request cookies
// set by the caller and cookies received on a response.
const SessionDomain = "-"

// Entry is one stored cookie value. Expires is a unix timestamp, 0 for a
// session cookie.
type Entry struct {
	Value   string `json:"value"`
	Expires int64  `json:"expires,omitempty"`
}

func (e Entry) expired(now time.Time) bool {
	return e.Expires != 0 && e.Expires <= now.Unix()
}

// Pair is a name=value cookie ready to be sent.
type Pair struct {
	Name  string
	Value string
}

func (p Pair) String() string {
	return p.Name + "=" + p.Value
}

// Table is the persisted layout: domain -> path -> name -> entry.
type Table map[string]map[string]map[string]Entry

// Jar is safe for concurrent use.
type Jar struct {
	mu    sync.Mutex
	table Table
	now   func() time.Time
}

// NewJar creates an empty jar.
func NewJar() *Jar {
	return &Jar{table: make(Table), now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (j *Jar) SetClock(now func() time.Time) {
	j.mu.Lock()
	j.now = now
	j.mu.Unlock()
}

func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimPrefix(domain, ".")
	if domain == "" {
		return SessionDomain
	}
	return domain
}

// SetRaw stores a cookie without escaping. An empty value or an expiry in
// the past removes the cookie instead. A zero expires means session cookie.
func (j *Jar) SetRaw(name, value string, expires time.Time, domain, path string) {
	domain = normalizeDomain(domain)
	if path == "" {
		path = "/"
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	paths, ok := j.table[domain]
	if !ok {
		paths = make(map[string]map[string]Entry)
		j.table[domain] = paths
	}
	list, ok := paths[path]
	if !ok {
		list = make(map[string]Entry)
		paths[path] = list
	}

	if value == "" || (!expires.IsZero() && expires.Before(j.now())) {
		delete(list, name)
		return
	}
	e := Entry{Value: value}
	if !expires.IsZero() {
		e.Expires = expires.Unix()
	}
	list[name] = e
}

// Set stores a session cookie, escaping value.
func (j *Jar) Set(name, value string) {
	j.SetRaw(name, url.PathEscape(value), time.Time{}, SessionDomain, "/")
}

// suffixes returns domain followed by each parent domain.
func suffixes(domain string) []string {
	out := []string{domain}
	for {
		i := strings.IndexByte(domain[min(1, len(domain)):], '.')
		if i < 0 {
			return out
		}
		domain = domain[i+2:]
		if domain == "" {
			return out
		}
		out = append(out, domain)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the unescaped value of name, searching domain and then its
// parent domains.
func (j *Jar) Get(name, domain string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, d := range suffixes(normalizeDomain(domain)) {
		paths := j.table[d]
		for _, p := range sortedKeys(paths) {
			if e, ok := paths[p][name]; ok {
				return unescape(e.Value), true
			}
		}
	}
	return "", false
}

// All returns every cookie visible from domain. Closer domains win.
func (j *Jar) All(domain string) map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make(map[string]string)
	for _, d := range suffixes(normalizeDomain(domain)) {
		for _, list := range j.table[d] {
			for name, e := range list {
				if _, seen := out[name]; !seen {
					out[name] = unescape(e.Value)
				}
			}
		}
	}
	return out
}

func unescape(v string) string {
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

// Clear drops the cookies of domain, or only those under path when path is
// not empty.
func (j *Jar) Clear(domain, path string) {
	domain = normalizeDomain(domain)

	j.mu.Lock()
	defer j.mu.Unlock()

	if path == "" {
		delete(j.table, domain)
		return
	}
	if paths, ok := j.table[domain]; ok {
		delete(paths, path)
	}
}

// ClearAll empties the jar.
func (j *Jar) ClearAll() {
	j.mu.Lock()
	j.table = make(Table)
	j.mu.Unlock()
}

// Len returns the number of stored cookies.
func (j *Jar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := 0
	for _, paths := range j.table {
		for _, list := range paths {
			n += len(list)
		}
	}
	return n
}

func pathMatch(cookiePath, reqPath string) bool {
	if cookiePath == reqPath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}

// FetchToSend returns the unexpired cookies matching host and path. The
// session domain is searched first, then host and each parent domain. Longer
// paths are searched first and the first cookie found for a name wins.
func (j *Jar) FetchToSend(host, path string) []Pair {
	host = strings.ToLower(host)
	if path == "" {
		path = "/"
	}
	domains := []string{SessionDomain}
	if host != "" {
		domains = append(domains, suffixes(host)...)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	seen := make(map[string]bool)
	var out []Pair
	for _, d := range domains {
		paths, ok := j.table[d]
		if !ok {
			continue
		}
		ps := sortedKeys(paths)
		sort.SliceStable(ps, func(a, b int) bool { return len(ps[a]) > len(ps[b]) })
		for _, p := range ps {
			if !pathMatch(p, path) {
				continue
			}
			list := paths[p]
			for _, name := range sortedKeys(list) {
				e := list[name]
				if seen[name] || e.expired(now) {
					continue
				}
				seen[name] = true
				out = append(out, Pair{Name: name, Value: e.Value})
			}
		}
	}
	return out
}

// FetchToSave returns a copy of the persistent, unexpired cookies.
func (j *Jar) FetchToSave() Table {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	out := make(Table)
	for domain, paths := range j.table {
		for path, list := range paths {
			for name, e := range list {
				if e.Expires == 0 || e.expired(now) {
					continue
				}
				if out[domain] == nil {
					out[domain] = make(map[string]map[string]Entry)
				}
				if out[domain][path] == nil {
					out[domain][path] = make(map[string]Entry)
				}
				out[domain][path][name] = e
			}
		}
	}
	return out
}

// Load replaces the jar content with the file at path. A missing file is
// not an error.
func (j *Jar) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.NewValidationError("reading cookie file " + path + ": " + err.Error())
	}
	t := make(Table)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &t); err != nil {
			return errors.NewValidationError("decoding cookie file " + path + ": " + err.Error())
		}
	}

	j.mu.Lock()
	j.table = t
	j.mu.Unlock()
	return nil
}

// Save writes the persistent cookies to path.
func (j *Jar) Save(path string) error {
	data, err := json.MarshalIndent(j.FetchToSave(), "", "  ")
	if err != nil {
		return errors.NewValidationError("encoding cookies: " + err.Error())
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.NewValidationError("writing cookie file " + path + ": " + err.Error())
	}
	return nil
}

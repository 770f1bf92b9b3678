// Package header implements the ordered, case-insensitive header store shared
// by requests, responses and the client's default headers.
package header

import (
	"io"
	"net/textproto"
	"strings"
)

// Header maps lower-case names to one or more values. Insertion order of
// names is kept so that serialized requests are deterministic.
type Header struct {
	keys   []string
	values map[string][]string
}

// New returns an empty Header.
func New() *Header {
	return &Header{values: make(map[string][]string)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (h *Header) init() {
	if h.values == nil {
		h.values = make(map[string][]string)
	}
}

// Set replaces every value of name.
func (h *Header) Set(name, value string) {
	h.init()
	k := normalize(name)
	if _, ok := h.values[k]; !ok {
		h.keys = append(h.keys, k)
	}
	h.values[k] = []string{value}
}

// Add appends a value, keeping earlier ones.
func (h *Header) Add(name, value string) {
	h.init()
	k := normalize(name)
	if _, ok := h.values[k]; !ok {
		h.keys = append(h.keys, k)
	}
	h.values[k] = append(h.values[k], value)
}

// AppendToLast extends the last value of name. Used for obs-fold
// continuation lines. Returns false when name has no value yet.
func (h *Header) AppendToLast(name, more string) bool {
	k := normalize(name)
	vs := h.values[k]
	if len(vs) == 0 {
		return false
	}
	vs[len(vs)-1] += " " + more
	return true
}

// Get returns the first value of name, or "".
func (h *Header) Get(name string) string {
	if h == nil {
		return ""
	}
	vs := h.values[normalize(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns a copy of all values of name.
func (h *Header) Values(name string) []string {
	if h == nil {
		return nil
	}
	vs := h.values[normalize(name)]
	if len(vs) == 0 {
		return nil
	}
	return append([]string(nil), vs...)
}

func (h *Header) Has(name string) bool {
	if h == nil {
		return false
	}
	_, ok := h.values[normalize(name)]
	return ok
}

// Del removes name.
func (h *Header) Del(name string) {
	k := normalize(name)
	if _, ok := h.values[k]; !ok {
		return
	}
	delete(h.values, k)
	for i, key := range h.keys {
		if key == k {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the lower-case names in insertion order.
func (h *Header) Keys() []string {
	if h == nil {
		return nil
	}
	return append([]string(nil), h.keys...)
}

func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.keys)
}

// Clear removes every header.
func (h *Header) Clear() {
	h.keys = nil
	h.values = make(map[string][]string)
}

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	c := New()
	if h == nil {
		return c
	}
	for _, k := range h.keys {
		c.keys = append(c.keys, k)
		c.values[k] = append([]string(nil), h.values[k]...)
	}
	return c
}

// Merge returns a copy of h where every name present in other replaces the
// values of h. Names new to h are appended in other's order.
func (h *Header) Merge(other *Header) *Header {
	out := h.Clone()
	if other == nil {
		return out
	}
	for _, k := range other.keys {
		if _, ok := out.values[k]; !ok {
			out.keys = append(out.keys, k)
		}
		out.values[k] = append([]string(nil), other.values[k]...)
	}
	return out
}

// Each calls fn for every name/value pair in order, one call per value.
func (h *Header) Each(fn func(name, value string)) {
	if h == nil {
		return
	}
	for _, k := range h.keys {
		for _, v := range h.values[k] {
			fn(k, v)
		}
	}
}

// CanonicalName renders a stored name in wire form, e.g. "x-server-ip" as
// "X-Server-Ip".
func CanonicalName(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

// Write serializes the headers as "Name: value\r\n" lines, repeating
// multi-value headers.
func (h *Header) Write(w io.Writer) error {
	var err error
	h.Each(func(name, value string) {
		if err != nil {
			return
		}
		_, err = io.WriteString(w, CanonicalName(name)+": "+value+"\r\n")
	})
	return err
}

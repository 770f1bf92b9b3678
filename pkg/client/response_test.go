package client

import (
	"io"
	"os"
	"testing"

	"github.com/WhileEndless/go-parallelhttp/pkg/errors"
)

func TestResponseDefaults(t *testing.T) {
	r := newResponse("http://example.com/", 1024)
	defer r.Close()
	if r.Status != 400 || r.StatusText != "Bad Request" || r.HasError() {
		t.Errorf("new response = %d %q err %v", r.Status, r.StatusText, r.Err)
	}
	if r.BodyLen() != 0 || r.String() != "" {
		t.Errorf("body = %q", r.String())
	}
}

func TestResponseRedirect(t *testing.T) {
	r := newResponse("http://example.com/", 1024)
	r.Status = 200
	r.NumRedirected = 1
	r.Redirect("/forced")
	if r.Status != 302 || r.Header.Get("location") != "/forced" || r.NumRedirected != 0 {
		t.Errorf("forced redirect = %d %q %d", r.Status, r.Header.Get("location"), r.NumRedirected)
	}

	// a redirect sent by the server wins
	r = newResponse("http://example.com/", 1024)
	r.Status = 301
	r.Header.Set("location", "/server")
	r.Redirect("/forced")
	if r.Status != 301 || r.Header.Get("location") != "/server" || r.NumRedirected != 0 {
		t.Errorf("server redirect = %d %q %d", r.Status, r.Header.Get("location"), r.NumRedirected)
	}
}

func TestResponseJSON(t *testing.T) {
	r := newResponse("http://example.com/", 1024)
	r.body.Write([]byte(`{"user":{"name":"ann","tags":["a","b"]}}`))

	if _, ok := r.JSON(); ok {
		t.Error("JSON without a json content type should fail")
	}
	r.Header.Set("content-type", "application/json; charset=utf-8")
	doc, ok := r.JSON()
	if !ok {
		t.Fatal("JSON failed")
	}
	if doc.Get("user.name").String() != "ann" || doc.Get("user.tags.#").Int() != 2 {
		t.Errorf("doc = %s", doc.Raw)
	}

	r.body.Replace([]byte(`{"broken":`))
	if _, ok := r.JSON(); ok {
		t.Error("invalid JSON should fail")
	}
}

func TestResponseSpilledBody(t *testing.T) {
	r := newResponse("http://example.com/", 4)
	defer r.Close()
	r.body.Write([]byte("more than four bytes"))
	if !r.BodySpilled() {
		t.Fatal("body should spill past the memory limit")
	}
	if r.String() != "more than four bytes" {
		t.Errorf("body = %q", r.String())
	}
	rc, err := r.BodyReader()
	if err != nil {
		t.Fatalf("BodyReader: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "more than four bytes" {
		t.Errorf("reader body = %q", data)
	}

	r.Reset()
	if r.BodyLen() != 0 || r.BodySpilled() {
		t.Error("Reset should drop the body")
	}
}

func TestResponseBodyReadFailure(t *testing.T) {
	r := newResponse("http://example.com/", 4)
	defer r.Close()
	r.body.Write([]byte("spilled body"))
	if err := os.Remove(r.body.Path()); err != nil {
		t.Fatal(err)
	}

	if _, err := r.ReadBody(); !errors.IsType(err, errors.ErrorTypeIO) {
		t.Errorf("ReadBody err = %v, want io error", err)
	}
	if b := r.Body(); b != nil {
		t.Errorf("Body = %q, want nil", b)
	}
	if !errors.IsType(r.Err, errors.ErrorTypeIO) {
		t.Errorf("Err = %v, want the read failure recorded", r.Err)
	}
}

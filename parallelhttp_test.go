package parallelhttp_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/WhileEndless/go-parallelhttp"
	"github.com/WhileEndless/go-parallelhttp/internal/testutil"
)

func TestFacade(t *testing.T) {
	srv := testutil.StartServer(t, testutil.KeepAlive(func(*testutil.Request) (string, bool) {
		return testutil.Fixed(200, "OK", "facade"), false
	}))
	c := parallelhttp.NewClient(parallelhttp.Options{})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := c.Do(ctx, parallelhttp.NewRequest(srv.URL("/"), ""))
	if err != nil || res.HasError() {
		t.Fatalf("Do: %v %v", err, res.Err)
	}
	if res.String() != "facade" {
		t.Errorf("body = %q", res.String())
	}
	if parallelhttp.GetVersion() == "" {
		t.Error("empty version")
	}
}

func TestFacadeErrorHelpers(t *testing.T) {
	c := parallelhttp.NewClient(parallelhttp.Options{Timeout: 50 * time.Millisecond})
	defer c.Close()

	srv := testutil.StartServer(t, func(conn net.Conn) { io.Copy(io.Discard, conn) })
	res, err := c.Do(context.Background(), parallelhttp.NewRequest(srv.URL("/"), ""))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !parallelhttp.IsTimeoutError(res.Err) || parallelhttp.GetErrorType(res.Err) != string(parallelhttp.ErrorTypeTimeout) {
		t.Errorf("Err = %v", res.Err)
	}
	if _, err := parallelhttp.ParseProxyURL("bogus://x"); parallelhttp.GetErrorType(err) != string(parallelhttp.ErrorTypeValidation) {
		t.Errorf("ParseProxyURL err = %v", err)
	}
}

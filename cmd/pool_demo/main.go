// Command pool_demo shows connection reuse and the per-endpoint burst limit
// against a local server, or against -url when given.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/go-parallelhttp/pkg/client"
)

// countingListener tracks accepted and concurrently open connections.
type countingListener struct {
	net.Listener
	accepted atomic.Int32
	open     atomic.Int32
	maxOpen  atomic.Int32
}

type trackedConn struct {
	net.Conn
	l      *countingListener
	closed atomic.Bool
}

func (c *trackedConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.l.open.Add(-1)
	}
	return c.Conn.Close()
}

func (l *countingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.accepted.Add(1)
	n := l.open.Add(1)
	for {
		m := l.maxOpen.Load()
		if n <= m || l.maxOpen.CompareAndSwap(m, n) {
			break
		}
	}
	return &trackedConn{Conn: c, l: l}, nil
}

func startLocal(delay time.Duration) (string, *countingListener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	cl := &countingListener{Listener: ln}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		fmt.Fprintf(w, "hello from %s\n", r.URL.Path)
	})}
	go srv.Serve(cl)
	return "http://" + ln.Addr().String(), cl, nil
}

func main() {
	target := flag.String("url", "", "Target base URL (default: a local server)")
	burst := flag.Int("burst", 3, "Maximum simultaneous connections per endpoint")
	count := flag.Int("n", 12, "Number of parallel requests")
	delay := flag.Duration("delay", 50*time.Millisecond, "Local server response delay")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logrus.NewEntry(logger)

	fmt.Println("=== Connection Pooling Demo ===")

	var local *countingListener
	base := *target
	if base == "" {
		var err error
		if base, local, err = startLocal(*delay); err != nil {
			log.WithError(err).Fatal("starting local server")
		}
	}

	cli := client.New(client.Options{MaxBurst: *burst, Timeout: 10 * time.Second, Logger: log})
	defer cli.Close()
	ctx := context.Background()

	fmt.Println("\nSequential requests:")
	for i := 1; i <= 2; i++ {
		res, err := cli.Do(ctx, client.NewRequest(base+"/seq", ""))
		if err != nil || res.HasError() {
			log.WithError(firstErr(err, res)).Error("request failed")
			return
		}
		fmt.Printf("  Request %d: status %d, %d bytes, reused=%v\n", i, res.Status, res.BodyLen(), res.ConnectionReused)
		res.Close()
	}

	fmt.Printf("\nParallel batch of %d requests, burst %d:\n", *count, *burst)
	reqs := make(map[string]*client.Request, *count)
	for i := 0; i < *count; i++ {
		reqs[fmt.Sprintf("%03d", i)] = client.NewRequest(base+"/batch/"+strconv.Itoa(i), "")
	}
	start := time.Now()
	out, err := cli.DoBatch(ctx, reqs)
	if err != nil {
		log.WithError(err).Error("batch aborted")
	}
	ok := 0
	for _, res := range out {
		if !res.HasError() && res.Status == 200 {
			ok++
		}
		res.Close()
	}
	fmt.Printf("  %d/%d succeeded in %s\n", ok, len(out), time.Since(start).Round(time.Millisecond))

	st := cli.Stats()
	fmt.Printf("\nPool: opened=%d reused=%d open=%d idle=%d\n", st.Opened, st.Reuses, st.Open, st.Idle)
	if local != nil {
		fmt.Printf("Server: accepted=%d max concurrent=%d\n", local.accepted.Load(), local.maxOpen.Load())
		if int(local.maxOpen.Load()) <= *burst {
			fmt.Println("\n✅ burst limit respected")
		} else {
			fmt.Println("\n❌ burst limit exceeded")
		}
	}
}

func firstErr(err error, res *client.Response) error {
	if err != nil {
		return err
	}
	return res.Err
}

// Command phttp fetches URLs in parallel over a shared connection pool.
//
//	phttp [flags] URL...
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/go-parallelhttp/pkg/client"
	"github.com/WhileEndless/go-parallelhttp/pkg/config"
	"github.com/WhileEndless/go-parallelhttp/pkg/tlsconfig"
)

type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ", ") }

func (h *headerFlags) Set(v string) error {
	if !strings.Contains(v, ":") {
		return fmt.Errorf("header %q must be \"Name: value\"", v)
	}
	*h = append(*h, v)
	return nil
}

type cliFlags struct {
	configPath string
	saveConfig string
	method     string
	data       string
	outDir     string
	burst      int
	timeout    time.Duration
	proxy      string
	insecure   bool
	verbose    bool
	headers    headerFlags
}

func parseFlags() *cliFlags {
	f := &cliFlags{}
	flag.StringVar(&f.configPath, "config", "", "YAML configuration file")
	flag.StringVar(&f.saveConfig, "save-config", "", "Write the effective configuration to this file and exit")
	flag.StringVar(&f.method, "X", "GET", "Request method")
	flag.StringVar(&f.data, "d", "", "Request body")
	flag.StringVar(&f.outDir, "o", "", "Directory to write response bodies to")
	flag.IntVar(&f.burst, "burst", 0, "Maximum simultaneous connections per endpoint")
	flag.DurationVar(&f.timeout, "timeout", 0, "Idle timeout of the event loop")
	flag.StringVar(&f.proxy, "proxy", "", "Proxy URL (http, socks4, socks5)")
	flag.BoolVar(&f.insecure, "k", false, "Skip TLS certificate verification")
	flag.BoolVar(&f.verbose, "v", false, "Debug logging")
	flag.Var(&f.headers, "H", "Extra header \"Name: value\" (repeatable)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: phttp [flags] URL...\n\nTLS profiles: %s\n\n",
			strings.Join(tlsconfig.ProfileNames(), ", "))
		flag.PrintDefaults()
	}
	flag.Parse()
	return f
}

// apply layers command-line flags over the file configuration.
func (f *cliFlags) apply(cfg *config.Config) {
	if f.burst > 0 {
		cfg.MaxBurst = f.burst
	}
	if f.timeout > 0 {
		cfg.Timeout = f.timeout
	}
	if f.proxy != "" {
		cfg.Proxy = f.proxy
	}
	if f.insecure {
		cfg.InsecureTLS = true
	}
	if f.verbose {
		cfg.LogLevel = logrus.DebugLevel.String()
	}
	for _, h := range f.headers {
		name, value, _ := strings.Cut(h, ":")
		cfg.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
}

func main() {
	f := parseFlags()

	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if f.saveConfig != "" {
		if err := cfg.Save(f.saveConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save config: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	log := cfg.Logger()
	cli := cfg.NewClient(log)

	reqs := make(map[string]*client.Request, flag.NArg())
	for i, u := range flag.Args() {
		req := cfg.NewRequest(u, f.method)
		if f.data != "" {
			req.SetBody([]byte(f.data))
		}
		reqs[strconv.Itoa(i)] = req
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	out, err := cli.DoBatch(ctx, reqs)
	if err != nil {
		log.WithError(err).Error("batch aborted")
	}

	failed := report(out, f.outDir, log)
	st := cli.Stats()
	log.WithFields(logrus.Fields{
		"requests": len(out),
		"failed":   failed,
		"opened":   st.Opened,
		"reused":   st.Reuses,
		"elapsed":  time.Since(start),
	}).Info("done")

	if cerr := cli.Close(); cerr != nil {
		log.WithError(cerr).Warn("closing client")
	}
	if failed > 0 || err != nil {
		os.Exit(1)
	}
}

// report prints one line per response in argument order and returns the
// number of failures.
func report(out map[string]*client.Response, outDir string, log *logrus.Entry) int {
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		x, _ := strconv.Atoi(keys[a])
		y, _ := strconv.Atoi(keys[b])
		return x < y
	})

	failed := 0
	for _, k := range keys {
		res := out[k]
		if res.HasError() {
			failed++
			fmt.Printf("%s\tERR\t%v\n", res.URL, res.Err)
			res.Close()
			continue
		}
		fmt.Printf("%s\t%d %s\t%d bytes\t%s\treused=%v\tredirects=%d\n",
			res.URL, res.Status, res.StatusText, res.BodyLen(),
			res.TimeCost.Round(time.Millisecond), res.ConnectionReused, res.NumRedirected)

		if outDir != "" {
			path := filepath.Join(outDir, "response-"+k+".body")
			if err := os.WriteFile(path, res.Body(), 0o644); err != nil {
				log.WithError(err).WithField("path", path).Warn("writing body")
			}
		}
		res.Close()
	}
	return failed
}

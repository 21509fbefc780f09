package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/throw-if-null/reconciler/internal/config"
	"github.com/throw-if-null/reconciler/internal/sandbox"
	"github.com/throw-if-null/reconciler/internal/version"
)

func main() {
	fs := flag.NewFlagSet("sandbox", flag.ExitOnError)
	root := fs.String("root", ".", "directory holding .reconciler/ and .env")
	addr := fs.String("addr", "", "listen address (overrides config)")
	_ = fs.Parse(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := setup(*root, *addr)
	if err != nil {
		log.Fatalf("sandbox: %v", err)
	}
	log.Printf("sandbox %s (%s) listening on http://%s", version.Version, version.Commit, srv.Addr)
	if err := serve(ctx, srv); err != nil {
		log.Fatalf("sandbox: %v", err)
	}
}

// setup loads the config under root and builds the HTTP server. A non-empty
// addr wins over the configured one.
func setup(root, addr string) (*http.Server, error) {
	res := config.Load(root)
	if res.ParseError != nil {
		return nil, fmt.Errorf("load config %s: %w", res.Path, res.ParseError)
	}
	cfg := res.Config
	if addr == "" {
		addr = cfg.Sandbox.Addr
	}
	s := sandbox.NewServer(sandbox.Options{
		PendingPolls: cfg.Sandbox.PendingPolls,
		FailEvery:    cfg.Sandbox.FailEvery,
		Token:        cfg.Remote.Token,
	})
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}

// serve runs srv until ctx is done, then drains in-flight requests.
func serve(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

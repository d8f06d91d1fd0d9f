// Command moqpub ingests live fragmented MP4 per representation and
// republishes it as a MoQ broadcast.
//
// Usage:
//
//	moqpub [rep=path ...]
//
// Each argument starts a lane reading the named file ("-" for stdin)
// as representation rep. Further representations may publish over SRT
// with the representation as the stream ID.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/moqpub/internal/api"
	"github.com/zsiec/moqpub/internal/certs"
	"github.com/zsiec/moqpub/internal/config"
	"github.com/zsiec/moqpub/internal/distribution"
	"github.com/zsiec/moqpub/internal/ingest"
	srtingest "github.com/zsiec/moqpub/internal/ingest/srt"
	"github.com/zsiec/moqpub/internal/metrics"
	"github.com/zsiec/moqpub/internal/pipeline"
	"github.com/zsiec/moqpub/internal/publisher"
	"github.com/zsiec/moqpub/internal/stream"
	"github.com/zsiec/moqpub/internal/transport"
)

var version = "dev"

func main() {
	_ = config.Load()
	env := config.FromEnv()
	log := newLogger(env)
	slog.SetDefault(log)

	if err := run(env, os.Args[1:], log); err != nil {
		log.Error("moqpub failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(env config.Env) *slog.Logger {
	level := slog.LevelInfo
	if env.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(env.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// fileInput is a representation read from a file or stdin.
type fileInput struct {
	rep  string
	path string
}

func parseInputs(args []string) ([]fileInput, error) {
	out := make([]fileInput, 0, len(args))
	seen := make(map[string]bool)
	for _, arg := range args {
		rep, path, ok := strings.Cut(arg, "=")
		if !ok || rep == "" || path == "" {
			return nil, fmt.Errorf("input %q is not rep=path", arg)
		}
		if seen[rep] {
			return nil, fmt.Errorf("representation %q given twice", rep)
		}
		seen[rep] = true
		out = append(out, fileInput{rep: rep, path: path})
	}
	return out, nil
}

func openInput(in fileInput) (io.ReadCloser, string, error) {
	if in.path == "-" {
		return io.NopCloser(os.Stdin), "stdin", nil
	}
	f, err := os.Open(in.path)
	if err != nil {
		return nil, "", err
	}
	return f, "file", nil
}

func run(env config.Env, args []string, log *slog.Logger) error {
	inputs, err := parseInputs(args)
	if err != nil {
		return err
	}

	settings, err := config.LoadSettings(env.SettingsFile)
	if err != nil {
		return err
	}
	pubCfg := settings.PublisherConfig(env.Namespace)

	cert, err := certs.Generate(env.CertValidity)
	if err != nil {
		return fmt.Errorf("generate certificate: %w", err)
	}
	log.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	met := metrics.New()
	relay := transport.NewRelay(pubCfg.Namespace, log)
	relay.SetGroupRetention(env.GroupRetention)
	defer relay.Close()

	pub, err := publisher.New(metrics.InstrumentBroadcast(relay, met), pubCfg)
	if err != nil {
		return err
	}

	origin, err := distribution.NewServer(distribution.Config{
		Addr:      env.MoQAddr,
		TLS:       cert.ServerTLS(distribution.ALPN),
		Relay:     relay,
		Kind:      pub.Kind,
		QueueSize: env.SubscribeQueue,
		Log:       log,
	})
	if err != nil {
		return err
	}

	log.Info("moqpub starting",
		"version", version,
		"namespace", pubCfg.Namespace,
		"moq", env.MoQAddr,
		"srt", env.SRTAddr,
		"api", env.APIAddr,
		"inputs", len(inputs),
	)

	g, ctx := errgroup.WithContext(ctx)

	lanes := stream.NewManager(log)
	sup := pipeline.NewSupervisor(ctx, pub, lanes, log)
	registry := ingest.NewRegistry(func(key, protocol string, input io.ReadCloser) {
		if err := sup.Start(key, protocol, input); err != nil {
			log.Warn("rejecting ingest", "representation", key, "error", err)
		}
	})

	for _, in := range inputs {
		r, source, err := openInput(in)
		if err != nil {
			return fmt.Errorf("open %s: %w", in.rep, err)
		}
		if err := sup.Start(in.rep, source, r); err != nil {
			return err
		}
	}

	g.Go(func() error {
		<-ctx.Done()
		return sup.Wait()
	})

	g.Go(func() error {
		return origin.ListenAndServe(ctx)
	})

	if env.SRTAddr != "" {
		srtSrv := srtingest.NewServer(env.SRTAddr, registry, log)
		g.Go(func() error {
			return srtSrv.Start(ctx)
		})
	}

	apiSrv := &http.Server{
		Addr: env.APIAddr,
		Handler: api.NewHandler(api.Config{
			Catalog:         pub.Catalog,
			Representations: pub.Status,
			Lanes:           lanes.List,
			Sources:         registry.List,
			Sessions:        origin.Sessions,
			CertHash:        cert.FingerprintBase64(),
			MoQAddr:         env.MoQAddr,
			Metrics:         met,
			Log:             log,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		log.Info("API server listening", "addr", env.APIAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("moqpub stopped")
	return err
}

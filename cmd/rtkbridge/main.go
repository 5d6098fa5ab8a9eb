package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"rtkbridge/internal/config"
	"rtkbridge/internal/web"
)

func main() {
	var (
		configPath string
		listen     string
	)
	flag.StringVar(&configPath, "config", "", "Path to YAML config (empty: GNSS_* environment only)")
	flag.StringVar(&listen, "listen", "", "Override web.listen")
	flag.Parse()

	logs := web.NewLogBuffer(2000)
	if _, err := setupLogging("", logs); err != nil {
		log.Fatalf("log setup failed: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if listen != "" {
		cfg.Web.Listen = listen
	}
	if cfg.Logging.File != "" {
		f, err := setupLogging(cfg.Logging.File, logs)
		if err != nil {
			log.Fatalf("log setup failed: %v", err)
		}
		defer f.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newLiveRuntime(cfg, log.Default())
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	defer rt.Close()

	log.Printf("rtkbridge starting caster=%s:%d/%s link=%s output=%s",
		cfg.NTRIP.Server, cfg.NTRIP.Port, cfg.NTRIP.Mountpoint, cfg.Endpoint, cfg.Output.Type)

	if *cfg.Web.Enable {
		go func() {
			h := web.Handler(rt.webDeps(logs, log.Default()))
			if err := web.Serve(ctx, cfg.Web.Listen, h); err != nil && ctx.Err() == nil {
				log.Printf("web server stopped: %v", err)
			}
		}()
		log.Printf("web listening addr=%s", cfg.Web.Listen)
	}

	if err := rt.Start(ctx); err != nil {
		rt.Close()
		log.Fatalf("bridge start failed: %v", err)
	}

	<-ctx.Done()
	log.Printf("rtkbridge stopping")
}

// setupLogging tees the standard logger into stderr, the in-memory buffer and
// optionally a file. The returned closer is nil without a file.
func setupLogging(path string, logs *web.LogBuffer) (io.Closer, error) {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	writers := []io.Writer{os.Stderr}
	if logs != nil {
		writers = append(writers, logs)
	}
	if path == "" {
		log.SetOutput(io.MultiWriter(writers...))
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("log dir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("log file %s: %w", path, err)
	}
	log.SetOutput(io.MultiWriter(append(writers, f)...))
	return f, nil
}

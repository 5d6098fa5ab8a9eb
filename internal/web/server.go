// Package web serves the bridge's monitoring API: status, recent logs, build
// info, Prometheus metrics and a websocket stream of fixes.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rtkbridge/internal/gps"
)

type Deps struct {
	Status *Status
	Logs   *LogBuffer
	Fixes  *FixBroadcaster
	Logger *log.Logger
}

func Handler(d Deps) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/status", getOnly(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, d.Status.Snapshot(time.Now().UTC()))
	}))
	if d.Logs != nil {
		mux.Handle("/api/logs", d.Logs.Handler())
	}
	mux.Handle("/api/about", AboutHandler())
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws/fixes", FixStreamHandler(d.Fixes, d.Logger))

	mux.Handle("/", getOnly(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		snap := d.Status.Snapshot(time.Now().UTC())
		fix := "none"
		if f := snap.Bridge.LastFix; f != nil {
			fix = fmt.Sprintf("%.7f,%.7f q=%d (%s) sats=%d", f.Latitude, f.Longitude, f.Quality, gps.QualityName(f.Quality), f.Satellites)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>rtkbridge</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>rtkbridge</h1>")
		_, _ = fmt.Fprintf(w, "<p>See <a href=\"/api/status\">/api/status</a>, <a href=\"/api/logs?format=text\">/api/logs</a> and <a href=\"/metrics\">/metrics</a>.</p>")
		_, _ = fmt.Fprintf(w, "<pre>state=%s\ncaster=%s mountpoint=%s connected=%t\nlink=%s open=%t\nlast_fix=%s</pre>",
			html.EscapeString(snap.Bridge.State),
			html.EscapeString(snap.Caster), html.EscapeString(snap.Bridge.Mountpoint), snap.Bridge.CorrectionConnected,
			html.EscapeString(snap.Link), snap.Bridge.LinkOpen,
			html.EscapeString(fix),
		)
		_, _ = fmt.Fprintf(w, "</body></html>")
	}))

	return mux
}

// Serve runs the HTTP server until ctx is cancelled.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func getOnly(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

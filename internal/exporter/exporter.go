// Package exporter serves the scrape HTTP surface: a liveness root, a health
// check, and the Prometheus text-format metrics endpoint. It never touches
// producer state directly — it only reads whatever the metrics registry
// already has published.
package exporter

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the scrape exporter's HTTP/1 listener.
type Server struct {
	httpServer *http.Server
	logger     func(error)
}

// New builds a Server bound to addr (e.g. ":9273") serving reg's metrics.
// errorLoggingCallback receives errors reported by the /metrics handler; it
// may be nil. Other connection errors go to net/http's default logger.
func New(addr string, reg *prometheus.Registry, errorLoggingCallback func(error)) *Server {
	if errorLoggingCallback == nil {
		errorLoggingCallback = func(error) {}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", requireGet(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "Hello")
	}))
	mux.HandleFunc("/health", requireGet(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK")
	}))
	mux.Handle("/metrics", requireGetHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: errorLogAdapter(errorLoggingCallback),
	})))

	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: errorLoggingCallback,
	}
}

// Start runs the listener; it blocks until Shutdown is called or the
// listener fails. A clean shutdown returns nil.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight connections and stops the listener, bounded by
// ctx (spec.md §5: shutdown must drain within 1 s of the signal).
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requireGet rejects anything but GET with 404, matching spec.md §4.5's "any
// method/path combination not listed returns 404".
func requireGet(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}
}

func requireGetHandler(h http.Handler) http.Handler {
	return requireGet(h.ServeHTTP)
}

type errorLogFunc func(error)

func (f errorLogFunc) Println(v ...interface{}) {
	f(fmt.Errorf("%v", v...))
}

func errorLogAdapter(cb func(error)) promhttp.Logger {
	return errorLogFunc(cb)
}

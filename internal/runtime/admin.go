package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/drblury/jobflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/jobflow/internal/runtime/logging"
)

const adminReadHeaderTimeout = 5 * time.Second

// AdminHandler serves Prometheus metrics on /metrics and the per-subscription
// counters as JSON on /api/stats. Browser reads of /api/stats are limited to
// corsOrigins; "*" allows any origin.
func AdminHandler(metrics *Metrics, corsOrigins []string, logger loggingpkg.ServiceLogger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		if origin := allowedCORSOrigin(corsOrigins, r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		body, err := jsoncodec.Marshal(metrics.Snapshot())
		if err != nil {
			logger.Error("Failed to encode stats", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", jsoncodec.ContentType)
		_, _ = w.Write(body)
	})
	return mux
}

func allowedCORSOrigin(allowed []string, requestOrigin string) string {
	for _, a := range allowed {
		if a == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(a, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

// AdminServer runs AdminHandler on its own listener.
type AdminServer struct {
	srv    *http.Server
	ln     net.Listener
	logger loggingpkg.ServiceLogger
	done   chan struct{}
}

// StartAdminServer listens on addr and serves handler until Shutdown.
func StartAdminServer(addr string, handler http.Handler, logger loggingpkg.ServiceLogger) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s := &AdminServer{
		srv:    &http.Server{Handler: handler, ReadHeaderTimeout: adminReadHeaderTimeout},
		ln:     ln,
		logger: logger,
		done:   make(chan struct{}),
	}
	logger.Info("Starting metrics server", loggingpkg.LogFields{"address": ln.Addr().String()})
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", err, loggingpkg.LogFields{"address": ln.Addr().String()})
		}
	}()
	return s, nil
}

// Addr returns the bound listener address.
func (s *AdminServer) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops accepting requests and waits for active ones.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}

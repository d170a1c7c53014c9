// Package web exposes the tracking service over HTTP and websockets.
package web

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"locator-go/server"
)

type Options struct {
	StaticDir      string
	AllowedOrigins []string
}

type Server struct {
	Hub     *Hub
	Metrics *Metrics

	svc      *server.Service
	log      logrus.FieldLogger
	origins  originSet
	upgrader *websocket.Upgrader
	static   string
}

// NewServer builds the HTTP front of svc. The hub and metrics must be the
// ones wired into svc as publisher and observer.
func NewServer(svc *server.Service, hub *Hub, metrics *Metrics, log logrus.FieldLogger, opts Options) *Server {
	origins := newOriginSet(opts.AllowedOrigins)
	return &Server{
		Hub:      hub,
		Metrics:  metrics,
		svc:      svc,
		log:      log,
		origins:  origins,
		upgrader: newUpgrader(origins),
		static:   opts.StaticDir,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.Metrics.Handler())
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(s.Hub, s.upgrader, w, r)
	})

	r.Route("/devices", func(r chi.Router) {
		r.Post("/", s.createDevice)
		r.Get("/", s.listDevices)
		r.Get("/{mac}", s.getDevice)
		r.Patch("/{mac}", s.updateDevice)
		r.Delete("/{mac}", s.deleteDevice)
	})
	r.Route("/places", func(r chi.Router) {
		r.Post("/", s.createPlace)
		r.Get("/", s.listPlaces)
		r.Get("/{name}", s.getPlace)
		r.Patch("/{name}", s.updatePlace)
		r.Delete("/{name}", s.deletePlace)
	})
	r.Post("/readings", s.createReading)
	r.Route("/locations", func(r chi.Router) {
		r.Post("/current", s.currentLocation)
		r.Get("/latest", s.latestLocations)
		r.Get("/historic/{mac}", s.historicLocation)
	})

	if s.static != "" {
		if _, err := os.Stat(s.static); err == nil {
			r.Handle("/*", http.FileServer(http.Dir(s.static)))
		} else {
			s.log.WithError(err).Warn("static directory unavailable")
		}
	}
	return r
}

// Start serves on addr until ctx is done, then shuts down gracefully. The
// hub runs for the lifetime of the server.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.Hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Infof("HTTP server listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
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
}

type originSet map[string]bool

func newOriginSet(origins []string) originSet {
	set := originSet{}
	for _, o := range origins {
		set[o] = true
	}
	return set
}

func (o originSet) allows(origin string) bool {
	return o["*"] || o[origin]
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.origins.allows(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

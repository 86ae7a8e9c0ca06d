package handler

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"groupchat/server/config"
	"groupchat/server/hub"
)

type Routes struct {
	Hub        *hub.Hub
	Dispatcher hub.Dispatcher
	Messages   MessageLister
	Rooms      RoomLister
	Gatherer   prometheus.Gatherer
	Config     *config.Config
	Log        *zap.Logger
}

func NewRouter(rt Routes) *mux.Router {
	cfg := rt.Config
	r := mux.NewRouter()
	r.Use(logRequests(rt.Log))

	r.HandleFunc("/health", HandleHealth(rt.Hub.Len)).Methods(http.MethodGet)
	r.HandleFunc("/ws", HandleWebSocket(rt.Hub, rt.Dispatcher, NewUpgrader(cfg.Server.AllowedOrigins), rt.Log))
	r.Handle("/metrics", promhttp.HandlerFor(rt.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/upload", HandleUpload(cfg.Upload, rt.Log)).Methods(http.MethodPost)
	api.HandleFunc("/messages", HandleMessages(rt.Messages, cfg.Router.HistoryLimit, rt.Log)).Methods(http.MethodGet)
	api.HandleFunc("/rooms", HandleRooms(rt.Rooms, rt.Log)).Methods(http.MethodGet)

	files := http.StripPrefix(cfg.Upload.PublicPath, http.FileServer(http.Dir(cfg.Upload.Dir)))
	r.PathPrefix(cfg.Upload.PublicPath).Handler(files).Methods(http.MethodGet, http.MethodHead)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func logRequests(log *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("took", time.Since(start)))
		})
	}
}

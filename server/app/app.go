package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"groupchat/server/config"
	"groupchat/server/handler"
	"groupchat/server/hub"
	"groupchat/server/metrics"
	"groupchat/server/presence"
	"groupchat/server/registry"
	"groupchat/server/room"
	"groupchat/server/router"
	"groupchat/server/store"
)

// App owns every piece of process-wide chat state.
type App struct {
	cfg *config.Config
	log *zap.Logger

	store    *store.Store
	rooms    *room.Manager
	registry *registry.Registry
	hub      *hub.Hub
	router   *router.Router
	handler  http.Handler
}

// New opens the store at cfg.Store.Path and wires the server. An empty path
// keeps everything in memory.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	var (
		st  *store.Store
		err error
	)
	if cfg.Store.Path == "" {
		st, err = store.OpenInMemory()
	} else {
		st, err = store.Open(cfg.Store.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rooms := room.NewManager(st)
	if err := rooms.Load(ctx); err != nil {
		st.Close()
		return nil, err
	}
	if err := rooms.Seed(ctx, cfg.Rooms.Defaults); err != nil {
		st.Close()
		return nil, fmt.Errorf("seed rooms: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	users := registry.New()
	h := hub.New(cfg.Hub, m, log.Named("hub"))
	pres := presence.New(users, h, log.Named("presence"))
	rt := router.New(router.Options{
		RequireMembership:      cfg.Router.RequireMembership,
		FanoutOnPersistFailure: cfg.Router.FanoutOnPersistFailure,
		HistoryLimit:           cfg.Router.HistoryLimit,
		AutoJoin:               cfg.Rooms.AutoJoin,
	}, router.Deps{
		Store:    st,
		Rooms:    rooms,
		Registry: users,
		Presence: pres,
		Emitter:  h,
		Metrics:  m,
		Log:      log.Named("router"),
	})

	a := &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		rooms:    rooms,
		registry: users,
		hub:      h,
		router:   rt,
	}
	a.handler = handler.NewRouter(handler.Routes{
		Hub:        h,
		Dispatcher: rt,
		Messages:   st,
		Rooms:      rooms,
		Gatherer:   reg,
		Config:     cfg,
		Log:        log.Named("http"),
	})
	log.Info("chat state ready",
		zap.String("store", cfg.Store.Path),
		zap.Strings("rooms", cfg.Rooms.Defaults),
		zap.Bool("require_membership", cfg.Router.RequireMembership))
	return a, nil
}

func (a *App) Handler() http.Handler { return a.handler }

// Close disconnects every client and closes the store.
func (a *App) Close() error {
	a.hub.Close()
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

package main

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/group"
	"gorm.io/gorm"

	"github.com/solopub/solopub/activitypub"
	"github.com/solopub/solopub/internal/httpx"
	"github.com/solopub/solopub/models"
	"github.com/solopub/solopub/wellknown"
	"github.com/solopub/solopub/workers"
)

type ServeCmd struct {
	Addr          string `help:"address to listen" default:":9999"`
	RetentionDays int    `help:"days of remote data to keep; 0 disables the periodic pruner" default:"15"`
	MaxRetries    int    `help:"attempts before a queued delivery or payload is parked as errored; 0 uses the per-queue defaults" default:"0"`
	Workers       int    `help:"number of delivery workers" default:"2"`
}

func (s *ServeCmd) Run(ctx *Context) error {
	db, err := gorm.Open(ctx.Dialector, &ctx.Config)
	if err != nil {
		return err
	}
	if err := configureDB(db); err != nil {
		return err
	}

	menv := &models.Env{DB: db, Logger: ctx.Logger}
	account, err := models.NewAccounts(db).Local()
	if err != nil {
		return err
	}
	env := activitypub.NewEnv(menv, account)

	envFn := func(r *http.Request) *activitypub.Env {
		return activitypub.NewEnv(&models.Env{DB: db.WithContext(r.Context()), Logger: ctx.Logger}, account)
	}

	c := chi.NewRouter()
	c.Use(middleware.RequestID)
	c.Use(middleware.RealIP)
	c.Use(middleware.Logger)
	c.Use(middleware.Recoverer)

	c.Route("/", func(r chi.Router) {
		r.Post("/inbox", httpx.HandlerFunc(envFn, activitypub.InboxCreate))
		r.Post("/webmentions", httpx.HandlerFunc(envFn, activitypub.WebmentionCreate))
		r.Get("/o/{publicID}", httpx.HandlerFunc(envFn, activitypub.ObjectShow))

		r.Route("/users/{username}", func(r chi.Router) {
			r.Get("/", httpx.HandlerFunc(envFn, activitypub.ActorShow))
			r.Post("/inbox", httpx.HandlerFunc(envFn, activitypub.InboxCreate))
			r.Get("/outbox", httpx.HandlerFunc(envFn, activitypub.OutboxIndex))
			r.Get("/followers", httpx.HandlerFunc(envFn, activitypub.FollowersIndex))
			r.Get("/following", httpx.HandlerFunc(envFn, activitypub.FollowingIndex))
		})

		r.Route("/.well-known", func(r chi.Router) {
			r.Get("/webfinger", httpx.HandlerFunc(envFn, wellknown.WebfingerShow))
			r.Get("/host-meta", wellknown.HostMetaIndex)
			r.Get("/nodeinfo", httpx.HandlerFunc(envFn, wellknown.NodeInfoIndex))
		})
		r.Get("/nodeinfo/{version}", httpx.HandlerFunc(envFn, wellknown.NodeInfoShow))

		r.Get("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			io.WriteString(w, "User-agent: *\nDisallow: /")
		})
	})

	g := group.New(context.Background())
	for i := 0; i < s.Workers; i++ {
		g.Add(workers.NewDeliveryProcessor(env, s.MaxRetries))
	}
	g.Add(workers.NewIncomingProcessor(env, s.MaxRetries))
	if s.RetentionDays > 0 {
		g.Add(s.pruneLoop(env))
	}
	g.Add(func(gctx context.Context) error {
		svr := &http.Server{
			Addr:         s.Addr,
			Handler:      c,
			WriteTimeout: 15 * time.Second,
			ReadTimeout:  15 * time.Second,
		}
		go func() {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			svr.Shutdown(shutdownCtx)
		}()
		err := svr.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	return g.Wait()
}

func (s *ServeCmd) pruneLoop(env *activitypub.Env) func(context.Context) error {
	return func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(24 * time.Hour):
				if err := models.PruneOldData(env.Env, s.RetentionDays, env.BaseURL()); err != nil {
					env.Log().Error("prune failed", "err", err)
				}
			}
		}
	}
}

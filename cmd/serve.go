package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/panda-crm/measure-engine/internal/engine"
	"github.com/panda-crm/measure-engine/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook and report API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env.Engine, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// newRouter builds the HTTP API: provider webhook endpoints plus read-only
// report access.
func newRouter(eng *engine.Engine, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/webhooks/quickmeasure", webhookHandler(eng, model.ProviderQuickMeasure))
	r.Post("/webhooks/eagleview", webhookHandler(eng, model.ProviderEagleView))

	r.Get("/reports/{id}", func(w http.ResponseWriter, req *http.Request) {
		report, err := eng.Get(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "report not found"})
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		stats, err := eng.Stats(req.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	return r
}

// webhookHandler processes one provider's callbacks. Unmatched events are
// acknowledged with 200 so the provider stops redelivering; the reconciler
// covers anything genuinely lost.
func webhookHandler(eng *engine.Engine, p model.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
		if err != nil || len(body) == 0 || !json.Valid(body) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event body"})
			return
		}

		report, err := eng.HandleWebhook(req.Context(), p, body)
		switch {
		case errors.Is(err, engine.ErrUnmatchedWebhook):
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		case err != nil:
			zap.L().Error("webhook processing failed",
				zap.String("provider", string(p)),
				zap.Error(err),
			)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing failed"})
		default:
			writeJSON(w, http.StatusOK, map[string]string{
				"status":    "processed",
				"report_id": report.ID,
				"state":     string(report.Status),
			})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/cloudcost-cli/internal/model"
	"github.com/sells-group/cloudcost-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run history as a read-only JSON API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(st),
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

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter wires the read-only session API over st.
func buildRouter(st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", func(w http.ResponseWriter, req *http.Request) {
			filter, err := parseRunFilter(req)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			runs, err := st.ListRuns(req.Context(), filter)
			if err != nil {
				zap.L().Error("list sessions", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "failed to list sessions")
				return
			}
			if runs == nil {
				runs = []store.Run{}
			}
			writeJSON(w, http.StatusOK, runs)
		})

		r.Get("/sessions/{id}", func(w http.ResponseWriter, req *http.Request) {
			id := chi.URLParam(req, "id")
			res, err := st.GetSession(req.Context(), id)
			switch {
			case errors.Is(err, store.ErrNotFound):
				writeError(w, http.StatusNotFound, "session not found")
			case err != nil:
				zap.L().Error("get session", zap.String("session_id", id), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "failed to load session")
			default:
				writeJSON(w, http.StatusOK, res)
			}
		})

		r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
			stats, err := st.Stats(req.Context())
			if err != nil {
				zap.L().Error("run stats", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "failed to compute stats")
				return
			}
			writeJSON(w, http.StatusOK, stats)
		})
	})
	return r
}

func parseRunFilter(req *http.Request) (store.RunFilter, error) {
	q := req.URL.Query()
	filter := store.RunFilter{
		State: model.SessionState(q.Get("state")),
	}
	if k := q.Get("kind"); k != "" {
		kind, ok := model.ParseCollectionKind(k)
		if !ok {
			return filter, eris.Errorf("unknown kind %q", k)
		}
		filter.Kind = kind
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &filter.Limit}, {"offset", &filter.Offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, eris.Errorf("invalid %s %q", p.name, v)
		}
		*p.dst = n
	}
	return filter, nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

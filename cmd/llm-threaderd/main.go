// Command llm-threaderd runs the controller as a standalone demo
// process: it submits a synthetic operation stream against itself and
// exposes read-only introspection over HTTP. Grounded on cmd/main.go's
// signal-driven graceful shutdown; the gin router and handler layer it
// wraps are dropped in favor of bare net/http, since this binary's
// entire surface is three read-only GET routes (see DESIGN.md).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llm-threaderd/internal/config"
	"llm-threaderd/internal/logging"
	"llm-threaderd/pkg/controller"
)

func main() {
	log := logging.New()

	opts, err := config.Load("")
	if err != nil {
		log.Errorf("load config: %v", err)
		os.Exit(1)
	}

	c, err := controller.New(opts)
	if err != nil {
		log.Errorf("construct controller: %v", err)
		os.Exit(1)
	}

	if err := c.Initialize(); err != nil {
		log.Errorf("initialize controller: %v", err)
		os.Exit(1)
	}

	stopDemand := runDemoWorkload(c)

	srv := &http.Server{Addr: ":8090", Handler: introspectionHandler(c)}
	go func() {
		log.Infof("llm-threaderd introspection server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Infof("received exit signal: %v", sig)

	close(stopDemand)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http server shutdown: %v", err)
	}

	if err := c.Shutdown(); err != nil {
		log.Errorf("controller shutdown: %v", err)
		os.Exit(1)
	}
	log.Infof("llm-threaderd exited cleanly")
}

// runDemoWorkload submits a steady trickle of short synthetic
// operations so the admission/engine loop has something to react to.
// Returns a channel that, when closed, stops the generator.
func runDemoWorkload(c *controller.Controller) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(150 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.Execute(func(ctx context.Context) (any, error) {
					select {
					case <-time.After(40 * time.Millisecond):
						return "ok", nil
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}, controller.SubmitOptions{OpType: "demo", Weight: 0.3})
			}
		}
	}()
	return stop
}

func introspectionHandler(c *controller.Controller) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.State())
	})
	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"usage":   c.UsageHistory(),
			"scaling": c.ScalingHistory(r.Context(), 100),
		})
	})
	mux.HandleFunc("/trends", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"statistics": c.UsageStatistics(),
			"recent":     c.UsageTrends(r.Context()),
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encode response: %v", err), http.StatusInternalServerError)
	}
}

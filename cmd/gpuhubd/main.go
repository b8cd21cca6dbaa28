// Command gpuhubd is the control-plane daemon: it serves the Ingest and
// Job API endpoints and runs the Supervisor's periodic reconciliation
// tick. Replaces the teacher's cmd/agentaflow demo-runner main with a
// real long-running service; signal handling follows
// viswanathvs1981-gpu-pooling/cmd/orchestrator/main.go's
// signal.Notify(os.Interrupt, syscall.SIGTERM) pattern.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentaflow/gpuhub/internal/api"
	"github.com/agentaflow/gpuhub/internal/config"
	"github.com/agentaflow/gpuhub/internal/dispatch"
	"github.com/agentaflow/gpuhub/internal/ingest"
	"github.com/agentaflow/gpuhub/internal/logging"
	"github.com/agentaflow/gpuhub/internal/placement"
	"github.com/agentaflow/gpuhub/internal/store"
	"github.com/agentaflow/gpuhub/internal/supervisor"
	"github.com/agentaflow/gpuhub/internal/tracing"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./gpuhub.yaml", "path to the hub's YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gpuhubd: load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Level(cfg.LogLevel))

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		log.Error("main", "tracing init failed, continuing without spans", map[string]interface{}{"error": err.Error()})
		tracer = nil
	}

	hostname, _ := os.Hostname()
	st, err := store.Open(cfg.DatabaseURL, hostname)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gpuhubd: open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	resolveAgent := func(agentID uint) (string, error) {
		agent, err := st.GetAgent(agentID)
		if err != nil {
			return "", fmt.Errorf("resolve agent %d: %w", agentID, err)
		}
		return fmt.Sprintf("http://%s:%d", agent.IPAddress, cfg.AgentExecutorPort), nil
	}

	engine := placement.New(st, placement.DefaultWeights(), tracer)
	ing := ingest.New(st, log)
	disp := dispatch.New(st, engine, resolveAgent, log, tracer)
	sv := supervisor.New(st, disp, resolveAgent, log, cfg.AgentOfflineTimeout.AsDuration(), tracer)

	srv := api.New(st, ing, disp, sv, log, tracer)

	httpServer := &http.Server{
		Addr:    cfg.ControlPlaneListenAddr,
		Handler: srv.Router(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("main", "received shutdown signal", nil)
		cancel()
	}()

	sv.Start(cfg.SupervisorTickInterval.AsDuration())

	go func() {
		log.Info("main", "listening", map[string]interface{}{"addr": cfg.ControlPlaneListenAddr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("main", "http server stopped with error", map[string]interface{}{"error": err.Error()})
		}
	}()

	<-ctx.Done()

	sv.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("main", "http server shutdown error", map[string]interface{}{"error": err.Error()})
	}
	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.Error("main", "tracer shutdown error", map[string]interface{}{"error": err.Error()})
		}
	}

	log.Info("main", "stopped", nil)
}

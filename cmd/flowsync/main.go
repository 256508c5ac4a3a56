package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.etcd.io/bbolt"

	"github.com/SoumadeepCh/FlowSync/internal/audit"
	"github.com/SoumadeepCh/FlowSync/internal/backpressure"
	"github.com/SoumadeepCh/FlowSync/internal/config"
	"github.com/SoumadeepCh/FlowSync/internal/consumer"
	"github.com/SoumadeepCh/FlowSync/internal/dagmodel"
	"github.com/SoumadeepCh/FlowSync/internal/dlq"
	"github.com/SoumadeepCh/FlowSync/internal/errs"
	"github.com/SoumadeepCh/FlowSync/internal/handler"
	"github.com/SoumadeepCh/FlowSync/internal/heartbeat"
	"github.com/SoumadeepCh/FlowSync/internal/idempotency"
	"github.com/SoumadeepCh/FlowSync/internal/logging"
	"github.com/SoumadeepCh/FlowSync/internal/metrics"
	"github.com/SoumadeepCh/FlowSync/internal/orchestrator"
	"github.com/SoumadeepCh/FlowSync/internal/publisher"
	"github.com/SoumadeepCh/FlowSync/internal/queue"
	"github.com/SoumadeepCh/FlowSync/internal/resulthandler"
	"github.com/SoumadeepCh/FlowSync/internal/scheduler"
	"github.com/SoumadeepCh/FlowSync/internal/store"
	"github.com/SoumadeepCh/FlowSync/internal/telemetry"
	"github.com/SoumadeepCh/FlowSync/internal/validator"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

func main() {
	const service = "flowsync"
	log, ring := logging.InitWithRing(service, 500)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracer(ctx, service)
	shutdownMetrics := telemetry.InitMetrics(ctx, service)

	cfg := config.Load()

	if err := os.MkdirAll(cfg.DBPath, 0755); err != nil {
		log.Error("failed to create db directory", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	db, err := bbolt.Open(cfg.DBPath+"/flowsync.db", 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st, err := store.Open(db)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	q, err := queue.Open(db)
	if err != nil {
		log.Error("failed to open queue", "error", err)
		os.Exit(1)
	}
	dq, err := dlq.Open(db)
	if err != nil {
		log.Error("failed to open dlq", "error", err)
		os.Exit(1)
	}

	meter := otel.GetMeterProvider().Meter(service)
	inst := metrics.New(meter)

	idem := idempotency.NewStore(cfg.IdempotencyTTL)
	defer idem.Close()
	bp := backpressure.New(backpressure.Thresholds{
		LowWater:  cfg.BackpressureLowWater,
		HighWater: cfg.BackpressureHighWater,
		MaxDepth:  cfg.BackpressureMaxDepth,
	})
	hb := heartbeat.NewMonitor(cfg.HeartbeatStall)
	reg := handler.NewDefaultRegistry(15_000)
	auditLog := audit.New(st)

	pub := publisher.New(st, q, idem, bp, cfg, inst)
	orch := orchestrator.New(st, pub, cfg, inst, log)
	resHandler := resulthandler.New(st, pub, orch, log)
	cons := consumer.New(q, st, dq, hb, idem, reg, resHandler, cfg, inst, log)
	sched := scheduler.New(st, orch, cfg, inst, log)

	go cons.Run(ctx)
	go sched.Run(ctx)
	go reclaimLoop(ctx, q, pub, cfg.HeartbeatStall*4, log)

	srv := &http.Server{Addr: addr(), Handler: newMux(st, orch, dq, hb, bp, q, auditLog, ring, inst)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()
	log.Info("flowsync started", "addr", addr())

	<-ctx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	telemetry.Flush(shutdownCtx, shutdownTrace)
	telemetry.Flush(shutdownCtx, shutdownMetrics)
	log.Info("shutdown complete")
}

func addr() string {
	if a := os.Getenv("FLOWSYNC_ADDR"); a != "" {
		return a
	}
	return ":8080"
}

// reclaimLoop periodically resets jobs stuck in "processing" (worker
// crashed mid-job) back to pending so another worker can pick them up,
// and republishes any step left "pending" with no matching queue job
// (OQ-2 — a publish whose enqueue was rejected by backpressure).
func reclaimLoop(ctx context.Context, q *queue.Queue, pub *publisher.Publisher, stallThreshold time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(stallThreshold)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.Reclaim(stallThreshold)
			if err != nil {
				log.Error("reclaim failed", "error", err)
			} else if n > 0 {
				log.Warn("reclaimed stale jobs", "count", n)
			}

			r, err := pub.RescanPending(ctx)
			if err != nil {
				log.Error("rescan pending steps failed", "error", err)
			} else if r > 0 {
				log.Warn("republished orphaned pending steps", "count", r)
			}
		}
	}
}

func newMux(st *store.Store, orch *orchestrator.Orchestrator, dq *dlq.DLQ, hb *heartbeat.Monitor, bp *backpressure.Controller, q *queue.Queue, auditLog *audit.Logger, ring *metrics.RingHandler, inst *metrics.Instruments) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /v1/diagnostics/logs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ring.Recent())
	})

	mux.HandleFunc("GET /v1/diagnostics/queue", func(w http.ResponseWriter, r *http.Request) {
		stats, err := q.Stats()
		if err != nil {
			writeError(w, err)
			return
		}
		dlqDepth, _ := dq.Depth()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"queue":        stats,
			"dlqDepth":     dlqDepth,
			"backpressure": bp.State(),
			"heartbeat":    hb.Report(),
		})
	})

	mux.HandleFunc("GET /v1/dlq", func(w http.ResponseWriter, r *http.Request) {
		items, err := dq.Items()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	})

	mux.HandleFunc("POST /v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		var wf dagmodel.Workflow
		if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if wf.ID == "" {
			wf.ID = uuid.NewString()
		}
		result := validator.Validate(wf.Definition)
		if !result.Ok {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"errors": result.Errors})
			return
		}
		now := time.Now()
		wf.CreatedAt = now
		wf.UpdatedAt = now
		if wf.Status == "" {
			wf.Status = dagmodel.WorkflowDraft
		}
		existing, err := st.GetWorkflow(wf.ID)
		if err == nil {
			wf.Version = existing.Version + 1
			wf.CreatedAt = existing.CreatedAt
		} else {
			wf.Version = 1
		}
		if err := st.PutWorkflow(wf); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, wf)
	})

	mux.HandleFunc("GET /v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, st.ListWorkflows())
	})

	mux.HandleFunc("GET /v1/workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
		wf, err := st.GetWorkflow(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, wf)
	})

	mux.HandleFunc("DELETE /v1/workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := st.DeleteWorkflow(r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /v1/workflows/{id}/execute", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input  map[string]interface{} `json:"input"`
			UserID string                 `json:"userId"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
		}
		exec, err := orch.ExecuteWorkflow(r.Context(), r.PathValue("id"), req.Input, req.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exec)
	})

	mux.HandleFunc("POST /v1/executions/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		if err := orch.Cancel(r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("GET /v1/executions/{id}", func(w http.ResponseWriter, r *http.Request) {
		exec, err := st.GetExecution(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exec)
	})

	mux.HandleFunc("GET /v1/executions/{id}/steps", func(w http.ResponseWriter, r *http.Request) {
		steps, err := st.ListStepsForExecution(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, steps)
	})

	mux.HandleFunc("GET /v1/executions/{id}/audit", func(w http.ResponseWriter, r *http.Request) {
		rows, err := auditLog.Get("execution", r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	})

	mux.HandleFunc("POST /v1/workflows/{id}/triggers", func(w http.ResponseWriter, r *http.Request) {
		var trg dagmodel.Trigger
		if err := json.NewDecoder(r.Body).Decode(&trg); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		trg.WorkflowID = r.PathValue("id")
		if trg.ID == "" {
			trg.ID = uuid.NewString()
		}
		if err := st.PutTrigger(trg); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, trg)
	})

	mux.HandleFunc("GET /v1/workflows/{id}/triggers", func(w http.ResponseWriter, r *http.Request) {
		triggers, err := st.ListTriggers(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, triggers)
	})

	// Webhook triggers skip the scheduler entirely: the inbound request
	// itself is the fire signal, so this handler runs ExecuteWorkflow
	// synchronously and returns the execution's Output: every node's
	// result keyed by node ID.
	mux.HandleFunc("POST /v1/webhooks/{triggerId}", func(w http.ResponseWriter, r *http.Request) {
		trg, err := st.GetTrigger(r.PathValue("triggerId"))
		if err != nil {
			writeError(w, err)
			return
		}
		if trg.Type != dagmodel.TriggerWebhook {
			http.Error(w, "trigger is not a webhook trigger", http.StatusBadRequest)
			return
		}
		if !trg.Enabled {
			http.Error(w, "trigger is disabled", http.StatusForbidden)
			return
		}
		var input map[string]interface{}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
		}
		exec, err := orch.ExecuteWorkflow(r.Context(), trg.WorkflowID, input, "")
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exec.Output)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.Is(err, errs.KindNotFound):
		status = http.StatusNotFound
	case errs.Is(err, errs.KindValidation):
		status = http.StatusBadRequest
	case errs.Is(err, errs.KindNotActive):
		status = http.StatusConflict
	case errs.Is(err, errs.KindTimeout):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

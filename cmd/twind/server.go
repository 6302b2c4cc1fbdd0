package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/twind/internal/api"
	"github.com/kalambet/twind/internal/assemble"
	"github.com/kalambet/twind/internal/compose"
	"github.com/kalambet/twind/internal/config"
	"github.com/kalambet/twind/internal/guardrail"
	"github.com/kalambet/twind/internal/learner"
	"github.com/kalambet/twind/internal/llm"
	"github.com/kalambet/twind/internal/memory"
	"github.com/kalambet/twind/internal/notify"
	"github.com/kalambet/twind/internal/orchestrator"
	"github.com/kalambet/twind/internal/scheduler"
	"github.com/kalambet/twind/internal/storage"
	"github.com/kalambet/twind/internal/tone"
	"github.com/kalambet/twind/internal/topic"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the twind server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running twind server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show twind system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "twind.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "twind version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to double-start: check health, then claim the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("twind is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("twind is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// LLM collaborators share one HTTP client; the embedder rides on it.
	llmClient := llm.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.RequestTimeout)
	embedder := llm.NewEmbedClient(llmClient, cfg.LLM.EmbedModel)
	memories := memory.NewChromemStore(embedder)

	hub := notify.NewHub(cfg.Notify.ChannelBuffer)
	defer hub.Close()

	var guardCompleter llm.Completer
	if cfg.Guardrail.LLMFallback {
		guardCompleter = llmClient
	}
	guard := guardrail.New(guardCompleter, cfg.LLM.AgentsModel)

	toneResolver := tone.NewResolver(store)
	assembler := assemble.New(store, memories, toneResolver, cfg.Learner.MemoryTopK)
	composer := compose.New(llmClient, compose.Config{
		ChatModel:     cfg.LLM.ComposerModel,
		TeachingModel: cfg.LLM.TeachingModel,
		MaxTokens:     cfg.LLM.MaxTokens,
	})
	learn := learner.New(store, memories, llmClient, cfg.LLM.AgentsModel, cfg.Learner.SummaryTurnThreshold, cfg.Scheduler.MaxAttempts)

	detector := topic.NewDetector(llmClient, cfg.LLM.AgentsModel)
	router := topic.NewRouter(store, detector, hub, cfg.Topic.MinConfidence, cfg.Topic.FutureDedupeWindow)

	orch := orchestrator.New(guard, router, assembler, composer, learn, store, nil, hub)

	// Background jobs: tone detection, relationship questions, passive
	// summarization, retry queue draining.
	registry := scheduler.NewRegistry(store)
	registry.Register(scheduler.JobToneDetection, scheduler.ToneDetectionJob(
		store, llmClient, cfg.LLM.AgentsModel,
		cfg.Tone.MinObservations, cfg.Tone.StaleAfter, cfg.Scheduler.ToneBatchSize,
	))
	registry.Register(scheduler.JobRelationshipQuestions, scheduler.RelationshipQuestionsJob(
		store, hub, cfg.Scheduler.QuestionRateWindow, cfg.Scheduler.QuestionRateLimit, 50,
	))
	registry.Register(scheduler.JobPassiveSummarization, scheduler.PassiveSummarizationJob(
		store, learn, cfg.Learner.SummaryTurnThreshold, 50,
	))
	registry.Register(scheduler.JobRetryScan, scheduler.RetryScanJob(store, map[string]scheduler.TaskHandler{
		learner.TaskSummaryRetry: learn.RetrySummary,
		learner.TaskFactRetry:    learn.RetryFacts,
	}))

	cronRunner, err := registry.StartCron(ctx, map[string]time.Duration{
		scheduler.JobToneDetection:         cfg.Scheduler.ToneInterval,
		scheduler.JobRelationshipQuestions: cfg.Scheduler.QuestionInterval,
		scheduler.JobPassiveSummarization:  cfg.Scheduler.SummarizationInterval,
		scheduler.JobRetryScan:             cfg.Scheduler.RetryScanInterval,
	})
	if err != nil {
		return fmt.Errorf("starting cron: %w", err)
	}
	defer func() { <-cronRunner.Stop().Done() }()

	handler := api.NewHandler(api.Deps{
		Orchestrator: orch,
		Scheduler:    registry,
		Store:        store,
		Hub:          hub,
		Token:        cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "twind listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		hub.Heartbeat(gctx, cfg.Notify.HeartbeatInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("twind is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop twind (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to twind (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Composer model", "%s", cfg.LLM.ComposerModel)
	printStatus("Agents model", "%s", cfg.LLM.AgentsModel)
	printStatus("Embed model", "%s", cfg.LLM.EmbedModel)

	if resp != nil && resp.StatusCode == 200 {
		if c, err := newAPIClient(); err == nil {
			var runs []struct {
				Kind      string `json:"Kind"`
				Processed int    `json:"Processed"`
				Failed    int    `json:"Failed"`
			}
			if r, err := c.get("/v1/jobs/runs"); err == nil {
				if decodeJSON(r, &runs) == nil {
					for _, run := range runs {
						printStatus("Job "+run.Kind, "processed %d, failed %d", run.Processed, run.Failed)
					}
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

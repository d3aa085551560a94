// Command orchestrator runs the autonomous multi-agent work orchestrator:
// the Scheduler's six periodic drivers, with no HTTP server — the system's
// only interface is the database and the external collaborators it drives
// (an LLM-invoking process, a VCS provider, Slack, and NATS).
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	goslack "github.com/slack-go/slack"
	"go.opentelemetry.io/otel"

	"github.com/agentmesh/orchestrator/pkg/bus"
	"github.com/agentmesh/orchestrator/pkg/config"
	"github.com/agentmesh/orchestrator/pkg/database"
	"github.com/agentmesh/orchestrator/pkg/delegator"
	"github.com/agentmesh/orchestrator/pkg/distributor"
	"github.com/agentmesh/orchestrator/pkg/escalator"
	"github.com/agentmesh/orchestrator/pkg/goal"
	"github.com/agentmesh/orchestrator/pkg/knowledge"
	"github.com/agentmesh/orchestrator/pkg/llmprovider"
	"github.com/agentmesh/orchestrator/pkg/obs"
	"github.com/agentmesh/orchestrator/pkg/orchestrator"
	"github.com/agentmesh/orchestrator/pkg/pool"
	"github.com/agentmesh/orchestrator/pkg/process"
	"github.com/agentmesh/orchestrator/pkg/prompt"
	"github.com/agentmesh/orchestrator/pkg/reviewer"
	"github.com/agentmesh/orchestrator/pkg/scheduler"
	"github.com/agentmesh/orchestrator/pkg/store"
	"github.com/agentmesh/orchestrator/pkg/vcsprovider"
	"github.com/agentmesh/orchestrator/pkg/workspace"

	"github.com/joho/godotenv"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v", envPath, err)
		log.Printf("continuing with existing environment variables")
	} else {
		log.Printf("loaded environment from %s", envPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("loading database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer dbClient.Close()
	log.Println("connected to PostgreSQL database")

	s := store.New(dbClient.Pool)

	tracerProvider := obs.NewTracerProvider()
	otel.SetTracerProvider(tracerProvider)
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			slog.Warn("shutting down tracer provider", "error", err)
		}
	}()

	runner := process.NewRunner()
	llm := llmprovider.NewProcessProvider(runner)
	vcs := vcsprovider.NewGitHubPullRequestClient(os.Getenv("GITHUB_TOKEN"))

	var messageBus bus.Bus
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		nb, err := bus.Connect(natsURL)
		if err != nil {
			log.Printf("warning: connecting to NATS at %s failed, continuing without the message bus: %v", natsURL, err)
		} else {
			messageBus = nb
			defer nb.Close()
			log.Printf("connected to message bus at %s", natsURL)
		}
	}

	var slackClient escalator.Slack
	if slackToken := os.Getenv("SLACK_BOT_TOKEN"); slackToken != "" {
		slackClient = goslack.New(slackToken)
	}

	p := pool.New(s, cfg.Pool.FileAffinityWindow(), cfg.Pool.MaxClaimRetries)
	workspaces := workspace.NewManager()
	prompts := prompt.NewComposer()
	knowledgeInjector := knowledge.NewInjector(cfg.Knowledge.MaxDocuments)
	dist := distributor.New(s)
	rev := reviewer.New(s, cfg.Orchestrator.MaxReviewCount)
	esc := escalator.New(s, slackClient, os.Getenv("SLACK_CHANNEL_ID"), cfg.Orchestrator.MaxRetry, cfg.Orchestrator.EscalationLevel3Timeout())
	del := delegator.New(s)
	goalRunner := goal.NewRunner(goal.New(s), prompts, llm, cfg.LLM.Command, cfg.LLM.Args, cfg.LLM.TimeoutMs)

	cycle := orchestrator.New(s, p, workspaces, prompts, knowledgeInjector, llm, vcs, dist, rev, esc, del, messageBus, orchestrator.Config{
		MaxRetry:                 cfg.Orchestrator.MaxRetry,
		ComplexityTokenThreshold: cfg.Orchestrator.ComplexityTokenThreshold,
		FileAffinityWindow:       cfg.Pool.FileAffinityWindow(),
		LLMCommand:               cfg.LLM.Command,
		LLMArgs:                  cfg.LLM.Args,
		LLMTimeoutMs:             cfg.LLM.TimeoutMs,
		QualityGateCommand:       cfg.LLM.QualityGateCommand,
		QualityGateArgs:          cfg.LLM.QualityGateArgs,
		QualityGateTimeoutMs:     cfg.LLM.QualityGateTimeoutMs,
	})

	sched := scheduler.New(s, cycle, goalRunner, runner, workspaces, messageBus, scheduler.Config{
		DecomposePeriod:         cfg.Scheduler.DecomposePeriod(),
		ExecutePeriod:           cfg.Scheduler.ExecutePeriod(),
		ReviewPeriod:            cfg.Scheduler.ReviewPeriod(),
		StuckThreshold:          cfg.Scheduler.StuckThreshold(),
		StuckSweepPeriod:        cfg.Scheduler.StuckSweepPeriod(),
		TeamDistributePeriod:    cfg.Scheduler.TeamDistributePeriod(),
		ProgressReportPeriod:    cfg.Scheduler.ProgressReportPeriod(),
		MaxConcurrentAgents:     cfg.Limits.MaxConcurrentAgents,
		OrphanSweepThreshold:    cfg.Workspace.OrphanSweepThreshold(),
		EscalationLevel3Timeout: cfg.Orchestrator.EscalationLevel3Timeout(),
	}, scheduler.LogSink{})

	sched.Start(ctx)
	log.Println("orchestrator scheduler running — decompose, execute, review, stuck-sweep, team-distribute, progress-report")

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping scheduler")
	sched.Stop()
	_ = runner.KillAll()
}

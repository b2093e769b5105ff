// Package main provides syncctl, the ops CLI for the sync pipeline.
//
// Exit codes: 0 on success, 1 on runtime errors, 2 on usage errors.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/tracefold/engsync/internal/adapter/queue/redpanda"
	"github.com/tracefold/engsync/internal/adapter/repo/postgres"
	"github.com/tracefold/engsync/internal/config"
	"github.com/tracefold/engsync/internal/domain"
	"github.com/tracefold/engsync/internal/observability"
	"github.com/tracefold/engsync/internal/progress"
	"github.com/tracefold/engsync/internal/usecase"
)

const usage = `usage: syncctl <command> [args]

commands:
  tick-once                      run one orchestrator tick across all tenants
  trigger <tenant> <job>         set a job to PENDING for the next tick
  pause <tenant> <job>           pause a job (skipped by chaining and ticks)
  resume <tenant> <job>          restore a paused job to its prior status
  status <tenant> [--follow]     print the tenant's job ladder
  replay-embed <tenant> <table>  re-queue a whole table for embedding
  seed-ladder <tenant> <file>    create jobs from a YAML ladder definition
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: config: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(observability.SetupLogger(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	code := run(ctx, cfg, os.Args[1], os.Args[2:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cfg config.Config, command string, args []string) int {
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: database: %v\n", err)
		return 1
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	orch := &usecase.Orchestrator{
		Tenants:                 postgres.NewTenantRepo(pool),
		Settings:                postgres.NewSettingsRepo(pool, domain.TenantSettings{OrchestratorEnabled: true}),
		Integrations:            postgres.NewIntegrationRepo(pool),
		Jobs:                    jobRepo,
		DefaultTickInterval:     cfg.TickInterval,
		DefaultMaxRetryAttempts: cfg.MaxRetryAttempts,
		DefaultRetryIntervalMin: cfg.DefaultRetryMinutes,
	}

	switch command {
	case "tick-once":
		return tickOnce(ctx, cfg, orch)
	case "trigger":
		if len(args) != 2 {
			return usageError()
		}
		return runtimeResult("trigger", orch.TriggerJob(ctx, args[0], args[1]))
	case "pause":
		if len(args) != 2 {
			return usageError()
		}
		return byName(ctx, jobRepo, args[0], args[1], orch.PauseJob)
	case "resume":
		if len(args) != 2 {
			return usageError()
		}
		return byName(ctx, jobRepo, args[0], args[1], orch.ResumeJob)
	case "status":
		return status(ctx, cfg, orch, args)
	case "replay-embed":
		if len(args) != 2 {
			return usageError()
		}
		return replayEmbed(ctx, cfg, pool, args[0], args[1])
	case "seed-ladder":
		if len(args) != 2 {
			return usageError()
		}
		return seedLadder(ctx, jobRepo, args[0], args[1])
	}
	return usageError()
}

func usageError() int {
	fmt.Fprint(os.Stderr, usage)
	return 2
}

func runtimeResult(command string, err error) int {
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: %s: %v\n", command, err)
		return 1
	}
	return 0
}

// byName resolves the job name to an id before invoking the orchestrator
// operation; the storage API keys pause and resume by id.
func byName(ctx context.Context, jobs domain.JobRepository, tenantID, name string, op func(context.Context, string, string) error) int {
	job, err := jobs.GetByName(ctx, tenantID, name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: job %q: %v\n", name, err)
		return 1
	}
	return runtimeResult(name, op(ctx, tenantID, job.ID))
}

// tickOnce needs a producer: a tick that finds a due job seeds its extraction
// queue.
func tickOnce(ctx context.Context, cfg config.Config, orch *usecase.Orchestrator) int {
	producer, err := redpanda.NewProducerWithTransactionalID(cfg.KafkaBrokers, "engsync-syncctl-producer")
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: queue: %v\n", err)
		return 1
	}
	defer func() { _ = producer.Close() }()
	orch.Queue = producer
	return runtimeResult("tick-once", orch.Tick(ctx))
}

func status(ctx context.Context, cfg config.Config, orch *usecase.Orchestrator, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	follow := fs.Bool("follow", false, "stream progress events after printing the ladder")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return usageError()
	}
	tenantID := fs.Arg(0)

	ladder, err := orch.ReadLadder(ctx, tenantID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: status: %v\n", err)
		return 1
	}
	if len(ladder) == 0 {
		fmt.Printf("tenant %s has no jobs\n", tenantID)
		return 0
	}
	fmt.Printf("%-4s %-24s %-10s %-8s %-20s %s\n", "ORD", "NAME", "STATUS", "RETRIES", "LAST SUCCESS", "ERROR")
	for _, j := range ladder {
		lastSuccess := "-"
		if j.LastSuccessAt != nil {
			lastSuccess = j.LastSuccessAt.UTC().Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-4d %-24s %-10s %-8d %-20s %s\n",
			j.ExecutionOrder, j.Name, j.Status, j.RetryCount, lastSuccess, j.ErrorMessage)
	}

	if !*follow {
		return 0
	}
	return followProgress(ctx, cfg, tenantID)
}

func followProgress(ctx context.Context, cfg config.Config, tenantID string) int {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	events := make(chan domain.ProgressEvent, 16)
	go func() {
		for ev := range events {
			fmt.Printf("%s job=%s step=%s stage=%s status=%s %.0f%%\n",
				ev.At.UTC().Format("15:04:05"), ev.JobID, ev.Step, ev.Stage, ev.Status, ev.Fraction*100)
		}
	}()
	err := progress.NewBroadcaster(rdb).Follow(ctx, tenantID, events)
	close(events)
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "syncctl: follow: %v\n", err)
		return 1
	}
	return 0
}

func replayEmbed(ctx context.Context, cfg config.Config, pool postgres.PgxPool, tenantID, table string) int {
	producer, err := redpanda.NewProducerWithTransactionalID(cfg.KafkaBrokers, "engsync-syncctl-producer")
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: queue: %v\n", err)
		return 1
	}
	defer func() { _ = producer.Close() }()

	svc := &usecase.ReplayService{Rows: postgres.NewRowsRepo(pool), Queue: producer}
	n, err := svc.ReplayEmbed(ctx, tenantID, table)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: replay-embed: %v (%d queued)\n", err, n)
		return 1
	}
	fmt.Printf("queued %d rows from %s for re-embedding\n", n, table)
	return 0
}

// ladderFile is the YAML shape accepted by seed-ladder.
type ladderFile struct {
	Jobs []struct {
		Name                string   `yaml:"name"`
		IntegrationID       string   `yaml:"integration_id"`
		ExecutionOrder      int      `yaml:"execution_order"`
		ScheduleIntervalMin int      `yaml:"schedule_interval_min"`
		RetryIntervalMin    int      `yaml:"retry_interval_min"`
		Steps               []string `yaml:"steps"`
	} `yaml:"jobs"`
}

// seedLadder creates the jobs of a YAML ladder definition in READY state so
// the first tick runs them in order.
func seedLadder(ctx context.Context, jobs domain.JobRepository, tenantID, path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: seed-ladder: %v\n", err)
		return 1
	}
	var file ladderFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: seed-ladder: parse %s: %v\n", path, err)
		return 1
	}
	if len(file.Jobs) == 0 {
		fmt.Fprintf(os.Stderr, "syncctl: seed-ladder: %s defines no jobs\n", path)
		return 2
	}

	for _, def := range file.Jobs {
		if def.Name == "" || def.IntegrationID == "" {
			fmt.Fprintf(os.Stderr, "syncctl: seed-ladder: job needs name and integration_id\n")
			return 2
		}
		steps := make([]domain.JobStep, len(def.Steps))
		for i, name := range def.Steps {
			steps[i] = domain.JobStep{
				Name:       name,
				Order:      i + 1,
				Extraction: domain.StepIdle,
				Transform:  domain.StepIdle,
				Embedding:  domain.StepIdle,
			}
		}
		id, err := jobs.Create(ctx, domain.Job{
			TenantID:            tenantID,
			IntegrationID:       def.IntegrationID,
			Name:                def.Name,
			ExecutionOrder:      def.ExecutionOrder,
			ScheduleIntervalMin: def.ScheduleIntervalMin,
			RetryIntervalMin:    def.RetryIntervalMin,
			Status:              domain.JobReady,
			Steps:               steps,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "syncctl: seed-ladder: create %q: %v\n", def.Name, err)
			return 1
		}
		fmt.Printf("created job %s (%s, order %d)\n", def.Name, id, def.ExecutionOrder)
	}
	return 0
}

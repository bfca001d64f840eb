package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Dharmesh177/zsindia-cms/cmd/serialctl/cli"
	"github.com/Dharmesh177/zsindia-cms/internal/app"
	"github.com/Dharmesh177/zsindia-cms/internal/catalog"
	"github.com/Dharmesh177/zsindia-cms/internal/observability"
	"github.com/Dharmesh177/zsindia-cms/internal/platform/cache"
	"github.com/Dharmesh177/zsindia-cms/internal/platform/db"
	"github.com/Dharmesh177/zsindia-cms/internal/serials"
	"github.com/Dharmesh177/zsindia-cms/internal/shared"
)

const usage = `usage: serialctl <command> [flags]

commands:
  generate    issue a batch of serial numbers for a product
  deactivate  retire a serial record by id
  verify      resolve a code or verification URL (exit 10 when invalid)
  jobs        trigger a worker job or show queue stats
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}

	command, rest := args[0], args[1:]
	if command == "jobs" {
		return runJobs(ctx, cfg, rest, stdout, stderr)
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	product := fs.String("product", "", "product id")
	quantity := fs.Int("quantity", 1, "number of serials to issue (1-1000)")
	batch := fs.String("batch", "", "optional batch label")
	key := fs.String("idempotency-key", "", "optional idempotency key")
	id := fs.String("id", "", "serial record id")
	actor := fs.String("actor", "", "actor recorded in the audit log")
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(rest); err != nil {
		return 1
	}

	logger := app.NewLogger(cfg)
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "connect postgres: %v\n", err)
		return 1
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() { _ = redisClient.Close() }()

	catalogClient := catalog.NewClient(catalog.ClientConfig{
		BaseURL:       cfg.CatalogAPIURL,
		Token:         cfg.CatalogAPIToken,
		RatePerSecond: cfg.CatalogRateLimit,
	})
	products := catalog.NewCachedStore(catalogClient, catalog.NewCache(redisClient, cfg.CatalogCacheTTL), logger)

	service, err := serials.NewService(serials.NewRepository(pool), products, serials.ServiceConfig{
		VerifyOrigin: cfg.VerifyBaseOrigin,
		Prefix:       cfg.SerialPrefix,
	}, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "init serial service: %v\n", err)
		return 1
	}
	service.WithProductOrigin(catalogClient)
	service.WithAudit(shared.NewAuditLogger(pool))
	service.WithIdempotency(shared.NewIdempotencyStore(pool))
	service.WithMetrics(observability.NewMetrics().Serials())

	commands, err := cli.NewSerialsCLI(service)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	switch command {
	case "generate":
		return commands.GenerateCommand(ctx, cli.GenerateOptions{
			ProductID:      *product,
			Quantity:       *quantity,
			BatchLabel:     *batch,
			IdempotencyKey: *key,
			Actor:          *actor,
			JSONOutput:     *jsonOut,
			Stdout:         stdout,
			Stderr:         stderr,
		})
	case "deactivate":
		return commands.DeactivateCommand(ctx, cli.DeactivateOptions{ID: *id, Actor: *actor, Stdout: stdout, Stderr: stderr})
	case "verify":
		return commands.VerifyCommand(ctx, cli.VerifyOptions{Input: fs.Arg(0), JSONOutput: *jsonOut, Stdout: stdout, Stderr: stderr})
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n%s", command, usage)
		return 1
	}
}

func runJobs(ctx context.Context, cfg *app.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	trigger := fs.String("trigger", "", "job type to enqueue")
	product := fs.String("product", "", "product id for serials:qr-export")
	batch := fs.String("batch", "", "batch label for serials:qr-export")
	retention := fs.Int("retention-hours", 0, "retention for maintenance:idempotency-cleanup")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
	defer func() { _ = jobsCLI.Close() }()

	if *trigger != "" {
		info, err := jobsCLI.Trigger(ctx, *trigger, cli.TriggerParams{ProductID: *product, BatchLabel: *batch, RetentionHours: *retention})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s as %s on %s\n", *trigger, info.ID, info.Queue)
		return 0
	}
	stats, err := jobsCLI.InspectQueue()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "jobs: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	return 0
}

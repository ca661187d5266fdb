// Command vigil is a periodic content-moderation agent for the agora
// content board: it resolves the active item's content, scores it against
// one or more classification providers, and flags the item on the ledger
// when the configured policy trips.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vigil-mod/vigil/engine"
	"github.com/vigil-mod/vigil/ledger"
	"github.com/vigil-mod/vigil/policy"
	"github.com/vigil-mod/vigil/resolver"
	"github.com/vigil-mod/vigil/runstore"
	"github.com/vigil-mod/vigil/scoring"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v2"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "vigil",
		Usage:   "moderation agent for the agora content board",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:     "ledger-host",
			Usage:    "URL of the agora ledger JSON-RPC endpoint",
			Required: true,
			EnvVars:  []string{"VIGIL_LEDGER_HOST"},
		},
		&cli.StringFlag{
			Name:     "ledger-auth-token",
			Usage:    "bearer token identifying this agent to the ledger node",
			Required: true,
			EnvVars:  []string{"VIGIL_LEDGER_AUTH_TOKEN"},
		},
		&cli.StringFlag{
			Name:     "collection",
			Usage:    "address of the item collection to moderate",
			Required: true,
			EnvVars:  []string{"VIGIL_COLLECTION"},
		},
		&cli.StringFlag{
			Name:    "perspective-api-key",
			EnvVars: []string{"VIGIL_PERSPECTIVE_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "openai-api-key",
			EnvVars: []string{"VIGIL_OPENAI_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "providers",
			Usage:   "comma-separated provider priority order",
			Value:   "perspective,openai",
			EnvVars: []string{"VIGIL_PROVIDERS"},
		},
		&cli.StringSliceFlag{
			Name:    "threshold",
			Usage:   "attribute threshold as ATTR=0.85 (repeatable)",
			Value:   cli.NewStringSlice("TOXICITY=0.85", "SEVERE_TOXICITY=0.70", "THREAT=0.80", "IDENTITY_ATTACK=0.80"),
			EnvVars: []string{"VIGIL_THRESHOLDS"},
		},
		&cli.StringFlag{
			Name:    "combo",
			Usage:   "combination rule as ATTR+ATTR=1.40 (optional)",
			EnvVars: []string{"VIGIL_COMBO"},
		},
		&cli.StringSliceFlag{
			Name:    "openai-categories",
			Usage:   "moderation categories which flag the item when triggered",
			Value:   cli.NewStringSlice("hate", "harassment/threatening", "violence"),
			EnvVars: []string{"VIGIL_OPENAI_CATEGORIES"},
		},
		&cli.IntFlag{
			Name:    "max-chars",
			Usage:   "hard cap on resolved content text",
			Value:   10_000,
			EnvVars: []string{"VIGIL_MAX_CHARS"},
		},
		&cli.DurationFlag{
			Name:    "fetch-timeout",
			Usage:   "per-attempt bound for content fetches",
			Value:   10 * time.Second,
			EnvVars: []string{"VIGIL_FETCH_TIMEOUT"},
		},
		&cli.StringSliceFlag{
			Name:    "ipfs-gateway",
			Usage:   "ordered HTTP gateway bases for ipfs:// references",
			EnvVars: []string{"VIGIL_IPFS_GATEWAYS"},
		},
		&cli.StringFlag{
			Name:    "content-index-url",
			Usage:   "off-chain content index queried by digest (optional)",
			EnvVars: []string{"VIGIL_CONTENT_INDEX_URL"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "run history database; empty disables history",
			Value:   "sqlite://data/vigil/runs.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "notify this Slack incoming webhook on flagged items",
			EnvVars: []string{"VIGIL_SLACK_WEBHOOK_URL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		checkCmd,
		daemonCmd,
		historyCmd,
	}

	return app.Run(args)
}

func setupLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	return logger
}

func buildEngine(cctx *cli.Context, logger *slog.Logger, dryRun bool) (*engine.Engine, error) {
	ledgerClient := &ledger.HTTPClient{
		Host:       cctx.String("ledger-host"),
		Collection: cctx.String("collection"),
		AuthToken:  cctx.String("ledger-auth-token"),
	}

	res := resolver.NewResolver()
	res.Logger = logger.With("subsystem", "resolver")
	res.MaxChars = cctx.Int("max-chars")
	res.FetchTimeout = cctx.Duration("fetch-timeout")
	res.IndexURL = cctx.String("content-index-url")
	if gws := cctx.StringSlice("ipfs-gateway"); len(gws) > 0 {
		res.Gateways = gws
	}

	thresholds, err := policy.ParseThresholds(cctx.StringSlice("threshold"))
	if err != nil {
		return nil, err
	}
	combo, err := policy.ParseCombo(cctx.String("combo"))
	if err != nil {
		return nil, err
	}
	attributePolicy := policy.Policy{Attributes: thresholds, Combo: combo}

	var categoricalPolicy policy.Policy
	for _, cat := range cctx.StringSlice("openai-categories") {
		categoricalPolicy.Attributes = append(categoricalPolicy.Attributes, policy.AttributeThreshold{
			Attribute: cat,
			// categorical scores are normalized to 0/1
			Threshold: 1.0,
		})
	}

	var providers []scoring.ProviderPolicy
	for _, name := range strings.Split(cctx.String("providers"), ",") {
		switch strings.TrimSpace(name) {
		case scoring.ProviderPerspective:
			pc := scoring.NewPerspectiveClient(cctx.String("perspective-api-key"))
			pc.Logger = logger.With("provider", scoring.ProviderPerspective)
			providers = append(providers, scoring.ProviderPolicy{Provider: pc, Policy: attributePolicy})
		case scoring.ProviderOpenAI:
			oc := scoring.NewOpenAIModClient(cctx.String("openai-api-key"))
			oc.Logger = logger.With("provider", scoring.ProviderOpenAI)
			providers = append(providers, scoring.ProviderPolicy{Provider: oc, Policy: categoricalPolicy})
		case "":
		default:
			return nil, fmt.Errorf("unknown provider: %s", name)
		}
	}

	eng := &engine.Engine{
		Logger:   logger,
		Ledger:   ledgerClient,
		Resolver: res,
		Orchestrator: &scoring.Orchestrator{
			Logger:    logger,
			Providers: providers,
		},
		DryRun: dryRun,
	}

	if !dryRun {
		if dburl := cctx.String("database-url"); dburl != "" {
			store, err := runstore.NewStore(dburl)
			if err != nil {
				return nil, fmt.Errorf("opening run history: %w", err)
			}
			eng.Runs = store
		}
		if hook := cctx.String("slack-webhook-url"); hook != "" {
			eng.Notifier = &engine.SlackNotifier{SlackWebhookURL: hook}
		}
	}
	return eng, nil
}

func runOnce(ctx context.Context, eng *engine.Engine) error {
	out, err := eng.Run(ctx)
	if err != nil {
		return err
	}
	if out.Kind == engine.OutcomeActionFailed {
		return fmt.Errorf("flagging action failed: %w", out.Err)
	}
	return nil
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run one moderation pass and exit",
	Action: func(cctx *cli.Context) error {
		logger := setupLogger()
		eng, err := buildEngine(cctx, logger, false)
		if err != nil {
			return err
		}
		return runOnce(cctx.Context, eng)
	},
}

var checkCmd = &cli.Command{
	Name:  "check",
	Usage: "resolve and score the active item without mutating the ledger",
	Action: func(cctx *cli.Context) error {
		logger := setupLogger()
		eng, err := buildEngine(cctx, logger, true)
		if err != nil {
			return err
		}
		out, err := eng.Run(cctx.Context)
		if err != nil {
			return err
		}
		if out.Verdict != nil {
			for _, reason := range out.Verdict.Reasons {
				fmt.Println(reason)
			}
		}
		fmt.Printf("outcome: %s\n", out.Kind)
		return nil
	},
}

var daemonCmd = &cli.Command{
	Name:  "daemon",
	Usage: "run moderation passes on an interval",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:    "interval",
			Usage:   "time between moderation passes",
			Value:   60 * time.Second,
			EnvVars: []string{"VIGIL_INTERVAL"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3989",
			EnvVars: []string{"VIGIL_METRICS_LISTEN"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := setupLogger()
		eng, err := buildEngine(cctx, logger, false)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go func() {
			if err := runMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		interval := cctx.Duration("interval")
		logger.Info("starting moderation daemon", "interval", interval)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := runOnce(ctx, eng); err != nil {
				// an individual failed pass doesn't kill the daemon; the
				// next tick starts the full sequence over
				logger.Error("moderation pass failed", "err", err)
			}
			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				return nil
			case <-ticker.C:
			}
		}
	},
}

var historyCmd = &cli.Command{
	Name:  "history",
	Usage: "show recent moderation runs",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "limit",
			Value: 20,
		},
	},
	Action: func(cctx *cli.Context) error {
		setupLogger()
		dburl := cctx.String("database-url")
		if dburl == "" {
			return fmt.Errorf("run history is disabled (no database-url)")
		}
		store, err := runstore.NewStore(dburl)
		if err != nil {
			return err
		}
		recs, err := store.Recent(cctx.Context, cctx.Int("limit"))
		if err != nil {
			return err
		}
		for _, rec := range recs {
			fmt.Printf("%s\titem=%d\toutcome=%s\tprovider=%s\ttx=%s\t%s\n",
				rec.CreatedAt.Format(time.RFC3339), rec.ItemID, rec.Outcome, rec.Provider, rec.TxID, rec.Reasons)
		}
		return nil
	},
}

func runMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

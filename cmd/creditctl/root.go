package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"creditflow/internal/auth"
	"creditflow/internal/credits"
	"creditflow/internal/ledgerclient"
	"creditflow/pkg/config"
	"creditflow/pkg/logger"
)

const defaultLedgerURL = "http://localhost:8080"

type options struct {
	token     string
	ledgerURL string
	verbose   bool
}

// app is what every subcommand runs against, built once flags are parsed.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	identity auth.Identity
	client   *ledgerclient.Client
	rdb      *redis.Client
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	a := &app{}

	root := &cobra.Command{
		Use:           "creditctl",
		Short:         "Inspect and spend chat credits against the ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(opts)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.token, "token", "", "Bearer token of the signed in user (env CREDITFLOW_TOKEN)")
	flags.StringVar(&opts.ledgerURL, "ledger-url", "", "Ledger base URL (default CREDITS.LEDGER_URL or "+defaultLedgerURL+")")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")

	root.AddCommand(
		newBalanceCmd(a),
		newDeductCmd(a),
		newPlansCmd(a),
		newTokenCmd(),
	)
	return root
}

func (a *app) init(opts *options) error {
	// a local .env may carry CREDITS_LEDGER_URL and friends
	_ = godotenv.Load()

	if opts.token == "" {
		opts.token = os.Getenv("CREDITFLOW_TOKEN")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logger.NewConsole(opts.verbose)

	url := opts.ledgerURL
	if url == "" {
		url = cfg.Credits.LedgerURL
	}
	if url == "" {
		url = defaultLedgerURL
	}

	a.identity = auth.Anonymous{}
	if opts.token != "" {
		user, err := auth.FromToken(opts.token)
		if err != nil {
			return err
		}
		a.identity = user
	}

	a.client = ledgerclient.New(url, ledgerclient.WithToken(opts.token))

	if cfg.Redis.Addr != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	a.log.Debug("creditctl ready", zap.String("ledger_url", url), zap.String("user_id", a.identity.UserID()))
	return nil
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

func (a *app) notifier() credits.Notifier {
	var redisNotifier credits.Notifier
	if a.rdb != nil {
		redisNotifier = credits.NewRedisNotifier(a.rdb)
	}
	return credits.Fanout(credits.LogNotifier{Log: a.log}, redisNotifier)
}

func (a *app) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout := a.cfg.Credits.RemoteTimeout * 3
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

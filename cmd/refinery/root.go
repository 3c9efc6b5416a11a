package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/refinerylabs/refinery/gate"
	"github.com/refinerylabs/refinery/ledger"
	"github.com/refinerylabs/refinery/match"
	"github.com/refinerylabs/refinery/queue"
	"github.com/refinerylabs/refinery/rules"
	"github.com/refinerylabs/refinery/storage"
	"github.com/refinerylabs/refinery/workflow"
)

// Exit codes reported to the calling shell.
const (
	exitOK             = 0
	exitError          = 1
	exitValidation     = 2
	exitUnstaffed      = 3
	exitGateRejected   = 4
	exitAlreadyDecided = 5
	exitNotFound       = 6
	exitLedgerCorrupt  = 7
)

var cfgFile string

func run() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	var unstaffed *match.Unstaffed
	switch {
	case errors.Is(err, workflow.ErrValidation):
		return exitValidation
	case errors.As(err, &unstaffed):
		return exitUnstaffed
	case errors.Is(err, workflow.ErrGateRejected):
		return exitGateRejected
	case errors.Is(err, gate.ErrAlreadyDecided):
		return exitAlreadyDecided
	case errors.Is(err, workflow.ErrMoleculeNotFound),
		errors.Is(err, storage.ErrGateNotFound),
		errors.Is(err, storage.ErrActorNotFound),
		errors.Is(err, queue.ErrItemNotFound):
		return exitNotFound
	case errors.Is(err, ledger.ErrCorrupt):
		return exitLedgerCorrupt
	default:
		return exitError
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "refinery",
		Short:         "Durable molecule engine for capability-matched actor pools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default refinery.yaml)")

	root.AddCommand(
		newSubmitCmd(),
		newStartCmd(),
		newStatusCmd(),
		newGatesCmd(),
		newDecideCmd("approve", true),
		newDecideCmd("reject", false),
		newAbortCmd(),
		newArchiveCmd(),
		newActorsCmd(),
		newRecoverCmd(),
		newVerifyCmd(),
	)
	return root
}

func initConfig() error {
	viper.SetDefault("storage.backend", "file")
	viper.SetDefault("storage.dir", ".refinery")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("queue.claim_ttl", "30s")
	viper.SetDefault("gate.timeout", "1m")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("refinery")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.refinery")
		}
	}
	viper.SetEnvPrefix("REFINERY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

// buildEngine assembles the full stack from configuration. The returned
// cleanup stops background machinery and must be called before exit.
func buildEngine() (*workflow.Engine, func(), error) {
	snowflake := generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)

	var (
		store storage.Storage
		led   ledger.Ledger
		err   error
	)
	backend := viper.GetString("storage.backend")
	switch backend {
	case "memory":
		store = storage.NewMemoryStorage()
		led = ledger.NewMemoryLedger()
	case "file":
		dir := viper.GetString("storage.dir")
		store, err = storage.NewFileStorage(dir)
		if err != nil {
			return nil, nil, err
		}
		led, err = ledger.NewFileLedger(dir)
		if err != nil {
			return nil, nil, err
		}
	case "redis":
		rs, rerr := storage.NewRedisStorage(storage.RedisOptions{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		})
		if rerr != nil {
			return nil, nil, rerr
		}
		store = rs
		led, err = ledger.NewRedisLedger(rs.Client())
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", backend)
	}

	queues, err := queue.NewQueueSet(snowflake, led,
		queue.WithClaimTTL(viper.GetDuration("queue.claim_ttl")))
	if err != nil {
		return nil, nil, err
	}
	gates, err := gate.NewEvaluator(store, rules.NewExprEvaluator(), led,
		gate.WithDefaultTimeout(viper.GetDuration("gate.timeout")))
	if err != nil {
		return nil, nil, err
	}
	engine, err := workflow.NewEngine(snowflake, store, led, queues, gates)
	if err != nil {
		return nil, nil, err
	}
	return engine, func() {}, nil
}

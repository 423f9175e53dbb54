package main

import (
	"fmt"
	"io"
	"log"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/inkwell/draft-sync/client"
	"github.com/inkwell/draft-sync/config"
	"github.com/inkwell/draft-sync/queue"
	"github.com/inkwell/draft-sync/queue/sqlite"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RootOptions holds the configuration shared by every command.
type RootOptions struct {
	Config *config.ClientConfig
	DBPath string
	Server string
	Logger *log.Logger
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncq",
		Short: "Inspect and drain the local sync queue",
		Long: `syncq manages the on-device queue of draft mutations waiting to reach
the sync server. Settings are read from the environment and a .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewClientConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			opts.Config = cfg
			if opts.DBPath == "" {
				opts.DBPath = cfg.QueueDBPath
			}
			if opts.Server == "" {
				opts.Server = cfg.ServerAddress
			}
			opts.Logger = newLogger(cfg.LogFile, cmd.ErrOrStderr())
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "queue database path (default $QUEUE_DB_PATH)")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "", "sync server address (default $SYNC_SERVER_ADDRESS)")

	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewPullCommand(opts))
	cmd.AddCommand(NewDeadLettersCommand(opts))
	cmd.AddCommand(NewKeygenCommand(opts))

	return cmd
}

// newLogger writes to a rotating file when path is set.
func newLogger(path string, fallback io.Writer) *log.Logger {
	var w io.Writer = fallback
	if path != "" {
		w = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		}
	}
	return log.New(w, "[syncq] ", log.LstdFlags)
}

func (o *RootOptions) openQueue() (*sqlite.SQLiteSyncQueue, error) {
	dedupe, err := queue.ParseDedupePolicy(o.Config.Dedupe)
	if err != nil {
		return nil, err
	}
	return sqlite.NewSQLiteSyncQueue(o.DBPath, sqlite.Options{Dedupe: dedupe})
}

func (o *RootOptions) deviceKey() (*btcec.PrivateKey, error) {
	if o.Config.DeviceKey == "" {
		return nil, fmt.Errorf("DEVICE_KEY is not set, create one with 'syncq keygen'")
	}
	return client.ParsePrivateKey(o.Config.DeviceKey)
}

func (o *RootOptions) dial() (*client.Client, error) {
	key, err := o.deviceKey()
	if err != nil {
		return nil, err
	}
	var clientOpts []client.Option
	if o.Config.APIKey != "" {
		clientOpts = append(clientOpts, client.WithAPIKey(o.Config.APIKey))
	}
	return client.Dial(o.Server, key, clientOpts...)
}

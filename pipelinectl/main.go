// Command pipelinectl submits content to the moderation pipeline and
// inspects its state, queues, dead letters and inboxes.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/maciekb2/content-pipeline/pkg/bus"
	"github.com/maciekb2/content-pipeline/pkg/config"
	"github.com/maciekb2/content-pipeline/pkg/logger"
	"github.com/maciekb2/content-pipeline/pkg/store"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

// Bus is the part of the JetStream client the commands use.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte, headers nats.Header, opts ...nats.PubOpt) (*nats.PubAck, error)
	PublishJSON(ctx context.Context, subject string, payload any, headers nats.Header, opts ...nats.PubOpt) (*nats.PubAck, error)
	Depth(ctx context.Context, queue string) (int, error)
	Close()
}

// app holds the connections shared by every command.
type app struct {
	cfg   config.Config
	rdb   redis.Cmdable
	store store.Store
	bus   Bus
	close func()
}

type opener func(cfg config.Config) (*app, error)

func openApp(cfg config.Config) (*app, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	st, err := store.Open(cfg.Store, rdb)
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("store open: %w", err)
	}
	natsCfg := cfg.NATS
	if natsCfg.Name == "" {
		natsCfg.Name = "pipelinectl"
	}
	client, err := bus.Connect(natsCfg)
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &app{
		cfg:   cfg,
		rdb:   rdb,
		store: st,
		bus:   client,
		close: func() {
			client.Close()
			st.Close()
			rdb.Close()
		},
	}, nil
}

func main() {
	if err := newRootCmd(openApp).Execute(); err != nil {
		logger.Fatal("pipelinectl failed", err)
	}
}

func newRootCmd(open opener) *cobra.Command {
	var (
		configPath string
		a          = &app{}
	)

	root := &cobra.Command{
		Use:           "pipelinectl",
		Short:         "Operate the content moderation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("PIPELINE_CONFIG")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.SetupWriter(cmd.ErrOrStderr(), "pipelinectl", cfg.Log.Level)
			opened, err := open(cfg)
			if err != nil {
				return err
			}
			*a = *opened
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.close != nil {
				a.close()
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (defaults to $PIPELINE_CONFIG)")

	root.AddCommand(
		submitCmd(a),
		stateCmd(a),
		depthCmd(a),
		dlqCmd(a),
		inboxCmd(a),
	)
	return root
}

// Package server implements the "repkv server" subcommand: binds the reply,
// publish and pull listeners for one or more topics and serves them until
// interrupted.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cmdUtil "github.com/jsiwek/repkv/cmd/util"
	"github.com/jsiwek/repkv/internal/backend"
	"github.com/jsiwek/repkv/internal/frontend"
	"github.com/jsiwek/repkv/internal/log"
	"github.com/jsiwek/repkv/internal/metrics"
	"github.com/jsiwek/repkv/pkg/node"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	stdhttp "net/http"
)

var serverCfg struct {
	port        int
	name        string
	topics      []string
	logLevel    string
	metricsAddr string
	queueDepth  int
}

// ServerCmd runs an authoritative node for one or more topics (spec §6.3:
// "-p sets the first of three consecutive TCP ports").
var ServerCmd = &cobra.Command{
	Use:     "server",
	Short:   "Run an authoritative repkv node",
	Long:    `Run an authoritative repkv node. Configuration can be set via flags or REPKV_ environment variables (e.g. REPKV_PORT=10000)`,
	PreRunE: processConfig,
	RunE:    run,
}

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	ServerCmd.Flags().IntP("port", "p", 10000, cmdUtil.WrapString("first of three consecutive TCP ports this node binds (reply, publish, pull)"))
	ServerCmd.Flags().StringP("name", "n", "", cmdUtil.WrapString("instance label used in log lines (default: process id)"))
	ServerCmd.Flags().StringSlice("topic", []string{"example0"}, cmdUtil.WrapString("topic this node is authoritative for; repeat for more than one"))
	ServerCmd.Flags().String("log-level", "info", cmdUtil.WrapString("log level: debug, info, warning, error"))
	ServerCmd.Flags().String("metrics-addr", "", cmdUtil.WrapString("if set, serve Prometheus metrics on this address (e.g. 127.0.0.1:9090)"))
	ServerCmd.Flags().Int("publish-queue-depth", 1024, cmdUtil.WrapString("bounded per-subscriber publication queue depth before that subscriber is dropped"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	serverCfg.port = viper.GetInt("port")
	serverCfg.name = viper.GetString("name")
	if serverCfg.name == "" {
		serverCfg.name = fmt.Sprintf("pid-%d", os.Getpid())
	}
	serverCfg.topics = viper.GetStringSlice("topic")
	if len(serverCfg.topics) == 0 {
		return fmt.Errorf("at least one --topic is required")
	}
	serverCfg.logLevel = viper.GetString("log-level")
	serverCfg.metricsAddr = viper.GetString("metrics-addr")
	serverCfg.queueDepth = viper.GetInt("publish-queue-depth")
	return nil
}

func run(_ *cobra.Command, _ []string) error {
	log.Init(serverCfg.logLevel)
	logger := log.Get("cmd")

	ab := backend.NewAuthorityBackendWithQueueDepth(serverCfg.queueDepth)
	for _, topic := range serverCfg.topics {
		ab.Register(frontend.NewAuthority(strings.TrimSpace(topic)))
	}

	n := node.New()
	if err := n.ServeAuthority(serverCfg.port, ab); err != nil {
		return fmt.Errorf("server: bind failed: %w", err)
	}

	if serverCfg.metricsAddr != "" {
		go func() {
			logger.Infof("serving metrics on %s/metrics", serverCfg.metricsAddr)
			mux := stdhttp.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := stdhttp.ListenAndServe(serverCfg.metricsAddr, mux); err != nil {
				logger.Errorf("metrics server stopped: %v", err)
			}
		}()
	}

	logger.Infof("%s: authoritative for %v on 127.0.0.1:%d-%d", serverCfg.name, serverCfg.topics, serverCfg.port, serverCfg.port+2)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

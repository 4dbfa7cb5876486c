package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	_ "go.uber.org/automaxprocs"
)

var version = "dev"

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"host":                  "server.host",
	"port":                  "server.port",
	"path":                  "websocket.path",
	"max-connections":       "websocket.max_connections",
	"enforce-gender-filter": "matching.enforce_gender_filter",
	"avoid-repeat-partner":  "matching.avoid_repeat_partner",
	"require-partner":       "relay.require_partner",
	"metrics-addr":          "metrics.listen_addr",
	"nats-url":              "events.nats_url",
	"log-level":             "logging.level",
	"dev":                   "logging.development",
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCmd(viper.New()).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "odin-roulette: %v\n", err)
		os.Exit(1)
	}
}

func newCmd(v *viper.Viper) *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "odin-roulette",
		Short:         "Random video chat matchmaking and WebRTC signaling server.",
		Args:          cobra.NoArgs,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v, configFile)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&configFile, "config", "c", "", "path to a config file (yaml, json or toml)")
	fs.String("host", "0.0.0.0", "address to bind the WebSocket listener to")
	fs.IntP("port", "p", 8082, "port for the WebSocket listener")
	fs.String("path", "/ws", "WebSocket upgrade path")
	fs.Int("max-connections", 10000, "maximum concurrent connections")
	fs.Bool("enforce-gender-filter", false, "only pair users whose gender filters accept each other")
	fs.Bool("avoid-repeat-partner", true, "do not immediately re-pair two users after a skip")
	fs.Bool("require-partner", false, "only relay signaling to the sender's current partner")
	fs.String("metrics-addr", ":9095", "listen address for /health, /stats and /metrics")
	fs.String("nats-url", "", "NATS server for lifecycle events; empty disables publishing")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.Bool("dev", false, "human readable console logs")

	fs.VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			_ = v.BindPFlag(key, f)
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("odin-roulette {{.Version}}\n")

	return cmd
}

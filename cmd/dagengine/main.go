package main

import (
	"fmt"
	"os"

	"github.com/ronappleton/dagengine/internal/broadcast"
	"github.com/ronappleton/dagengine/internal/cli"
	"github.com/ronappleton/dagengine/internal/config"
	"github.com/ronappleton/dagengine/internal/engine"
	grpcserver "github.com/ronappleton/dagengine/internal/grpc"
	"github.com/ronappleton/dagengine/internal/httpserver"
	"github.com/ronappleton/dagengine/internal/logging"
	"github.com/ronappleton/dagengine/internal/metrics"
	"github.com/ronappleton/dagengine/internal/otel"
	"github.com/ronappleton/dagengine/internal/recovery"
	"github.com/ronappleton/dagengine/internal/store"
	"github.com/ronappleton/dagengine/internal/taskexec"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	rootCmd := cli.NewRootCommand()

	serve := func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		startServer(configPath)
		return nil
	}
	rootCmd.RunE = serve
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its HTTP and gRPC servers",
		RunE:  serve,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// startServer wires the service. recovery must come after engine and before
// the servers so in-flight executions are re-attached before traffic.
func startServer(configPath string) {
	app := fx.New(
		config.Module(configPath),
		logging.Module(),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		metrics.Module(),
		otel.Module(),
		store.Module(),
		broadcast.Module(),
		taskexec.Module(),
		engine.Module(),
		recovery.Module(),
		grpcserver.Module,
		httpserver.Module(),
	)

	app.Run()
}

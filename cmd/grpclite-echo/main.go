// Package main is the entry point for the grpclite-echo demo binary: a
// tiny echo service exercised over "serve" and "invoke" subcommands, the
// way keploy's own CLI wires a zap logger into a cobra command tree.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/grpclite/grpclite/config"
	"github.com/grpclite/grpclite/encoding"
	"github.com/grpclite/grpclite/grpclite"
	"github.com/grpclite/grpclite/stream"
)

var debugMode bool

func setupLogger() *zap.Logger {
	logCfg := zap.NewDevelopmentConfig()
	logCfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(time.RFC3339))
	}
	if debugMode {
		logCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		logCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		logCfg.DisableStacktrace = true
	}
	logger, err := logCfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "grpclite-echo: failed to start logger:", err)
		os.Exit(1)
	}
	return logger
}

// echoSayHandler implements echo.Echo/Say: one request message in, the
// same bytes back out.
func echoSayHandler(ctx context.Context, _ interface{}, call *stream.Call) error {
	var req encoding.RawMessage
	if err := call.RecvMessage(ctx, &req); err != nil {
		return err
	}
	return call.SendMessage(ctx, &encoding.RawMessage{Data: req.Data})
}

func echoServiceDesc() *grpclite.ServiceDesc {
	return &grpclite.ServiceDesc{
		ServiceName: "echo.Echo",
		Methods: []grpclite.MethodHandler{
			{Name: "Say", Handler: echoSayHandler},
		},
	}
}

func newServeCmd(logger *zap.Logger) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the echo service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultServerConfig()
			if address != "" {
				cfg.Address = address
			}
			srv := grpclite.NewServer(logger, cfg, grpclite.WithServerCodec(encoding.RawCodec{}))
			srv.RegisterService(echoServiceDesc(), nil)
			logger.Info("grpclite-echo: listening", zap.String("address", cfg.Address))
			return srv.Start()
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "listen address (default from config.DefaultServerConfig)")
	return cmd
}

func newInvokeCmd(logger *zap.Logger) *cobra.Command {
	var target string
	var message string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "Call echo.Echo/Say on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := grpclite.Dial(logger, target, config.DialConfig{}, grpclite.WithClientCodec(encoding.RawCodec{}))
			if err != nil {
				return err
			}
			defer cc.Close()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			var resp encoding.RawMessage
			if err := cc.Invoke(ctx, "/echo.Echo/Say", &encoding.RawMessage{Data: []byte(message)}, &resp, nil); err != nil {
				return err
			}
			fmt.Println(string(resp.Data))
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "localhost:8081", "server address to dial")
	cmd.Flags().StringVar(&message, "message", "hello", "message to echo")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "call deadline")
	return cmd
}

func execute() {
	rootCmd := &cobra.Command{
		Use:     "grpclite-echo",
		Short:   "Demo server and client for the grpclite protocol engine",
		Version: "0.1",
	}
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	debugMode = false
	for _, a := range os.Args[1:] {
		if a == "--debug" {
			debugMode = true
		}
	}

	logger := setupLogger()
	defer logger.Sync()

	rootCmd.AddCommand(newServeCmd(logger), newInvokeCmd(logger))

	if err := rootCmd.Execute(); err != nil {
		logger.Error("grpclite-echo: command failed", zap.Error(err))
		os.Exit(1)
	}
}

func main() {
	execute()
}

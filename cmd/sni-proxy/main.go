package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	sniproxy "github.com/patdowney/sni-proxy"
)

var buildVersion = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var showVersion bool

	root := &cobra.Command{
		Use:           "sni-proxy <config-path>",
		Short:         "Transparent TLS-aware L4 proxy that routes by SNI hostname",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintln(cmd.OutOrStdout(), buildVersion)
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("usage: sni-proxy <config-path>")
			}
			return serve(args[0])
		},
	}
	root.Flags().BoolVar(&showVersion, "version", false, "print the build version and exit")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if isConfigError(err) {
			return 1
		}
		return 2
	}
	return 0
}

func serve(configPath string) error {
	cfg, err := sniproxy.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := sniproxy.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("starting logger: %w", err)
	}

	srv := sniproxy.NewServer(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.Shutdown.Trigger()
	}()

	return srv.Run()
}

// isConfigError reports whether err originated from configuration
// loading/validation, mapping it to exit code 1 rather than 2.
func isConfigError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "config:")
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casework/precache/config"
	"github.com/casework/precache/env"
	"github.com/casework/precache/logger"
	"github.com/casework/precache/precache"
	"github.com/casework/precache/scheduler"
	"github.com/casework/precache/server"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const serviceName = "precache"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "precache",
		Short:         "Preemptive cache in front of slow upstream services",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if file, _ := cmd.Flags().GetString("env-file"); file != "" {
				return env.LoadEnvFile(file)
			}
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("env-file", ".env", "environment file to load")
	flags.String("config", "precache.yaml", "configuration file")
	flags.String("redis-url", "", "redis url, overrides the configuration file")
	flags.String("otlp-url", "", "OTLP collector url, tracing is off without it")
	flags.String("otlp-shared-secret", "", "shared secret signing the OTLP bearer token")

	root.AddCommand(newServeCommand(), newInvalidateCommand(), newGetCommand())
	return root
}

// setup loads the configuration and connects to redis.
func setup(cmd *cobra.Command) (*app, logger.Logger, error) {
	log := env.NewLogger(cmd)
	cfg, err := config.Load(env.FlagOrEnv(cmd, "config", env.EnvConfig, "precache.yaml"))
	if err != nil {
		return nil, nil, err
	}
	a, err := newApp(cmd.Context(), log, cfg, env.FlagOrEnv(cmd, "redis-url", env.EnvRedisURL, ""))
	if err != nil {
		return nil, nil, err
	}
	return a, log, nil
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the refresh jobs and the invalidation endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			shutdown, err := env.NewTelemetry(cmd.Context(), cmd, serviceName, log)
			if err != nil {
				return err
			}
			defer shutdown()

			listen := env.FlagOrEnv(cmd, "listen", env.EnvListen, a.cfg.Server.Listen)
			if listen == "" {
				listen = ":8080"
			}
			return serve(cmd.Context(), log, a, listen)
		},
	}
	cmd.Flags().String("listen", "", "address of the invalidation endpoint")
	return cmd
}

// serve runs the scheduler and the server until ctx is done or either fails.
func serve(ctx context.Context, log logger.Logger, a *app, listen string) error {
	sched := scheduler.New(ctx, log)
	for _, job := range a.jobs() {
		if err := sched.Add(job); err != nil {
			return err
		}
	}
	srv := server.New(log, listen, a.client)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		defer sched.Close()
		return srv.Start(gctx)
	})
	err := g.Wait()
	log.Info("stopped")
	return err
}

func newInvalidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <cache>",
		Short: "Delete every entry of a cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.client.Invalidate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d entries from %s\n", n, args[0])
			return nil
		},
	}
}

func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <cache> <key>",
		Short: "Read a key through the cache and print the body",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			mode := precache.Preemptive()
			if cmd.Flags().Changed("wait") {
				wait, _ := cmd.Flags().GetDuration("wait")
				mode = precache.Wait(wait)
			}
			res, err := a.get(cmd.Context(), args[0], args[1], mode)
			if err != nil {
				if ue, ok := precache.IsUpstream(err); ok && ue.Status != 0 {
					return errors.Newf("upstream answered %d: %s", ue.Status, ue.Body)
				}
				return err
			}
			return printResult(cmd, res)
		},
	}
	cmd.Flags().BoolP("verbose", "v", false, "print the entry metadata to stderr")
	cmd.Flags().Duration("wait", 0, "only read the store, waiting up to this long for a cold key (0 uses the configured timeout)")
	return cmd
}

func printResult(cmd *cobra.Command, res *precache.Result) error {
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "status=%d from_cache=%t stale=%t refreshable_after=%s\n",
			res.Status, res.FromCache, res.Stale, res.RefreshableAfter.Format(time.RFC3339))
	}
	if res.Stream != nil {
		defer res.Stream.Close()
		_, err := io.Copy(cmd.OutOrStdout(), res.Stream)
		return err
	}
	_, err := cmd.OutOrStdout().Write(res.Body)
	return err
}

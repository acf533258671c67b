// distfit-worker serves training and inference tasks over HTTP and
// advertises itself in etcd so trainers can discover the fleet.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/workshop7/distfit/remote"
)

var (
	addr          string
	advertiseAddr string
	etcdEndpoints []string
	etcdPrefix    string
	learnerName   string
)

func main() {
	cmd := &cobra.Command{
		Use:   "distfit-worker",
		Short: "Serve distributed training and inference tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8090", "listen address")
	cmd.Flags().StringVar(&advertiseAddr, "advertise", "", "address trainers should dial (defaults to --addr)")
	cmd.Flags().StringSliceVar(&etcdEndpoints, "etcd", nil, "etcd endpoints for worker discovery (optional)")
	cmd.Flags().StringVar(&etcdPrefix, "prefix", remote.DefaultPrefix, "etcd key prefix for worker registration")
	cmd.Flags().StringVar(&learnerName, "learner", "linear", "learner served when a task does not name one")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	srv, err := remote.NewServer(remote.ServerOptions{
		DefaultLearner: learnerName,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	if advertiseAddr == "" {
		advertiseAddr = addr
	}

	var registry *remote.Registry
	var key string
	if len(etcdEndpoints) > 0 {
		registry, err = remote.NewRegistry(etcdEndpoints, etcdPrefix)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		key, err = registry.Register(ctx, advertiseAddr)
		cancel()
		if err != nil {
			registry.Close()
			return err
		}
		logger.Info("registered worker", zap.String("key", key), zap.String("addr", advertiseAddr))
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-signalChan
		logger.Info("exit signal received")
		if registry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := registry.Deregister(ctx, key); err != nil {
				logger.Warn("deregister failed", zap.Error(err))
			}
			cancel()
			registry.Close()
		}
		os.Exit(0)
	}()

	logger.Info("worker listening", zap.String("addr", addr), zap.String("learner", learnerName))
	return srv.ListenAndServe(addr)
}

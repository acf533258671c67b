// distfit-trainer fits a model over a CSV dataset against a worker fleet,
// then reports per-epoch losses and a sample of predictions.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/workshop7/distfit"
	"github.com/workshop7/distfit/config"
	"github.com/workshop7/distfit/dataset"
	"github.com/workshop7/distfit/learner"
	"github.com/workshop7/distfit/pool"
	"github.com/workshop7/distfit/remote"
)

var (
	csvPath       string
	target        string
	numWorkers    int
	maxEpochs     int
	learningRate  float64
	batchSize     int
	patience      int
	valFraction   float64
	learnerName   string
	endpoints     []string
	etcdEndpoints []string
	local         bool
)

func main() {
	cmd := &cobra.Command{
		Use:   "distfit-trainer",
		Short: "Fit a model over a CSV dataset against a worker fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "path to a headered numeric CSV file (required)")
	cmd.Flags().StringVar(&target, "target", "", "label column name (required)")
	cmd.Flags().IntVar(&numWorkers, "workers", 2, "number of workers to train across")
	cmd.Flags().IntVar(&maxEpochs, "epochs", config.DefaultMaxEpochs, "maximum synchronized epochs")
	cmd.Flags().Float64Var(&learningRate, "lr", config.DefaultLearningRate, "learning rate")
	cmd.Flags().IntVar(&batchSize, "batch", config.DefaultBatchSize, "batch size, -1 for one batch per shard")
	cmd.Flags().IntVar(&patience, "patience", 0, "epochs without improvement before early stop, 0 disables")
	cmd.Flags().Float64Var(&valFraction, "validation", 0, "trailing shard fraction held out for loss")
	cmd.Flags().StringVar(&learnerName, "learner", config.DefaultLearner, "learner implementation")
	cmd.Flags().StringSliceVar(&endpoints, "endpoints", nil, "static worker endpoints (host:port)")
	cmd.Flags().StringSliceVar(&etcdEndpoints, "etcd", nil, "etcd endpoints for worker discovery")
	cmd.Flags().BoolVar(&local, "local", false, "run workers in-process instead of over the network")
	cmd.MarkFlagRequired("csv")
	cmd.MarkFlagRequired("target")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	in, err := dataset.FromCSVFile(csvPath, target)
	if err != nil {
		return err
	}

	rt, err := buildRuntime(logger)
	if err != nil {
		return err
	}

	cfg := config.Config{
		NumWorkers:         numWorkers,
		MaxEpochs:          maxEpochs,
		BatchSize:          batchSize,
		Learner:            learnerName,
		LearningRate:       learningRate,
		Patience:           patience,
		ValidationFraction: valFraction,
	}
	est, err := distfit.New(cfg, rt, logger)
	if err != nil {
		return err
	}

	if err := est.Fit(ctx, in); err != nil {
		return err
	}
	hist := est.History()
	for i := 0; i < hist.Len(); i++ {
		e := hist.Epoch(i)
		fmt.Printf("epoch %d\tversion %d\tloss %.6f\t%s\n", e.Epoch, e.ModelVersion, e.Loss, e.Duration)
	}

	out, err := est.Predict(ctx, in)
	if err != nil {
		return err
	}
	rows := out.Matrix()
	n := len(rows)
	if n > 5 {
		n = 5
	}
	for i := 0; i < n; i++ {
		fmt.Printf("row %d\tprediction %v\n", i, rows[i])
	}
	return nil
}

func buildRuntime(logger *zap.Logger) (pool.Runtime, error) {
	if local {
		return pool.NewLocalRuntime(func(id int) learner.Learner {
			l, err := learner.New(learnerName)
			if err != nil {
				logger.Fatal("unknown learner", zap.String("learner", learnerName), zap.Error(err))
			}
			return l
		}, logger), nil
	}
	return remote.NewRuntime(remote.RuntimeOptions{
		Endpoints:     endpoints,
		EtcdEndpoints: etcdEndpoints,
		Logger:        logger,
	})
}

// Command cxr-triage trains the chest X-ray classifiers, serves the deployed
// predictor and classifies single images from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	arg "github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-cxr/checkpoints"
	"github.com/tsawler/go-cxr/config"
	"github.com/tsawler/go-cxr/inference"
	"github.com/tsawler/go-cxr/logging"
	"github.com/tsawler/go-cxr/models"
	"github.com/tsawler/go-cxr/pipeline"
	"github.com/tsawler/go-cxr/registry"
	"github.com/tsawler/go-cxr/server"
	"github.com/tsawler/go-cxr/training"
	"github.com/tsawler/go-cxr/vision/dataset"
)

type trainCmd struct {
	Data    string `arg:"--data" help:"dataset root, one directory per class"`
	PlotDir string `arg:"--plots" help:"write training curves of the deployed variants here"`
	Quiet   bool   `arg:"--quiet" help:"no per-epoch console output"`
}

type predictCmd struct {
	Images []string `arg:"positional,required" help:"image files to classify"`
}

type serveCmd struct {
	Addr string `arg:"--addr" help:"listen address"`
}

type surveyCmd struct {
	Data     string `arg:"--data" help:"dataset root, one directory per class"`
	PerClass int    `arg:"--per-class" default:"200" help:"images sampled per class"`
}

type summaryCmd struct {
	Classes int `arg:"--classes" default:"3" help:"number of output classes"`
}

type args struct {
	Config  string      `arg:"-c,--config" help:"YAML configuration file"`
	Train   *trainCmd   `arg:"subcommand:train" help:"run adaptive training and deploy the selected predictor"`
	Predict *predictCmd `arg:"subcommand:predict" help:"classify images with the deployed predictor"`
	Serve   *serveCmd   `arg:"subcommand:serve" help:"serve the deployed predictor over HTTP"`
	Survey  *surveyCmd  `arg:"subcommand:survey" help:"report image dimension statistics per class"`
	Summary *summaryCmd `arg:"subcommand:summary" help:"print the layer summary of every variant"`
}

func (args) Description() string {
	return "cxr-triage classifies chest X-rays as COVID-19, normal or viral pneumonia"
}

func main() {
	var a args
	p := arg.MustParse(&a)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}

	cfg := config.Default()
	if a.Config != "" {
		var err error
		if cfg, err = config.Load(a.Config); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case a.Train != nil:
		err = train(ctx, cfg, a.Train, logger)
	case a.Predict != nil:
		err = predict(ctx, cfg, a.Predict)
	case a.Serve != nil:
		err = serve(ctx, cfg, a.Serve, logger)
	case a.Survey != nil:
		err = survey(cfg, a.Survey)
	case a.Summary != nil:
		err = summary(cfg, a.Summary, logger)
	}
	if err != nil {
		logger.Error("command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore(cfg *config.Config, logger *zap.Logger) (*checkpoints.Store, error) {
	format, err := checkpoints.ParseFormat(cfg.Checkpoints.Format)
	if err != nil {
		return nil, err
	}
	return checkpoints.NewStore(cfg.Checkpoints.Dir, format, logger)
}

func train(ctx context.Context, cfg *config.Config, cmd *trainCmd, logger *zap.Logger) error {
	if cmd.Data != "" {
		cfg.Data.Root = cmd.Data
	}
	opts := pipeline.Options{
		Config:  cfg,
		PlotDir: cmd.PlotDir,
		Logger:  logger,
	}
	if !cmd.Quiet {
		opts.Reporter = training.ConsoleReporter{Out: os.Stdout}
		opts.Progress = os.Stdout
	}
	if cfg.Registry.DSN != "" {
		reg, err := registry.Open(cfg.Registry.DSN, logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		opts.Recorder = reg
	}

	res, err := pipeline.Run(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Printf("\nrun %s deployed %s %v with validation accuracy %.2f%%\n",
		res.RunID, res.Outcome.Deployed.Variant, res.Manifest.Members, res.Manifest.Accuracy*100)
	if res.Report != nil {
		fmt.Println(res.Report.Report())
	}
	for _, p := range res.Plots {
		fmt.Println("training curves:", p)
	}
	return nil
}

func loadPipeline(cfg *config.Config) (*inference.ImagePipeline, *checkpoints.Manifest, error) {
	store, err := openStore(cfg, zap.NewNop())
	if err != nil {
		return nil, nil, err
	}
	predictor, manifest, err := pipeline.LoadDeployed(store)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "load deployed predictor")
	}
	ip, err := inference.NewImagePipeline(predictor)
	if err != nil {
		return nil, nil, err
	}
	return ip, manifest, nil
}

func predict(ctx context.Context, cfg *config.Config, cmd *predictCmd) error {
	ip, _, err := loadPipeline(cfg)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IMAGE\tCLASS\tCONFIDENCE")
	for _, path := range cmd.Images {
		res, err := ip.PredictFile(ctx, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%.2f%%\n", path, res.Label, res.Confidence)
	}
	return w.Flush()
}

func serve(ctx context.Context, cfg *config.Config, cmd *serveCmd, logger *zap.Logger) error {
	if cmd.Addr != "" {
		cfg.Server.Addr = cmd.Addr
	}
	ip, manifest, err := loadPipeline(cfg)
	if err != nil {
		return err
	}
	var runs server.RunStore
	if cfg.Registry.DSN != "" {
		reg, err := registry.Open(cfg.Registry.DSN, logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		runs = reg
	}
	return server.New(ip, manifest, runs, cfg.Server, logger).Run(ctx)
}

func survey(cfg *config.Config, cmd *surveyCmd) error {
	root := cfg.Data.Root
	if cmd.Data != "" {
		root = cmd.Data
	}
	ds, err := dataset.NewImageFolderDataset(root, nil)
	if err != nil {
		return err
	}
	dims, err := dataset.SurveyDimensions(ds, cmd.PerClass, cfg.Data.Seed)
	if err != nil {
		return err
	}

	counts := ds.ClassCounts()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tIMAGES\tSAMPLED\tMEAN WxH\tMEDIAN WxH\tMIN WxH\tMAX WxH")
	for i, d := range dims {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.0fx%.0f\t%.0fx%.0f\t%.0fx%.0f\t%.0fx%.0f\n",
			d.Class, humanize.Comma(int64(counts[i])), d.Sampled,
			d.MeanWidth, d.MeanHeight, d.MedianWidth, d.MedianHeight,
			d.MinWidth, d.MinHeight, d.MaxWidth, d.MaxHeight)
	}
	return w.Flush()
}

func summary(cfg *config.Config, cmd *summaryCmd, logger *zap.Logger) error {
	b := &models.Builder{ImageSize: cfg.Data.ImageSize, Logger: logger}
	for _, v := range []checkpoints.Variant{checkpoints.BackboneA, checkpoints.CustomCNN, checkpoints.BackboneB} {
		spec, err := b.Spec(v, cmd.Classes)
		if err != nil {
			return err
		}
		fmt.Printf("== %s ==\n%s\n", v, spec.Summary())
	}
	return nil
}

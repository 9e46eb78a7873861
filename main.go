package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/infosave2007/longode/config"
	"github.com/infosave2007/longode/data"
	"github.com/infosave2007/longode/logutil"
	"github.com/infosave2007/longode/nn"
	"github.com/infosave2007/longode/training"
)

func main() {
	mode := flag.String("mode", "train", "train or test")
	gpuID := flag.Int("gpu-id", -1, "device index; overrides gpu_id from the config when set")
	cfgPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, *mode, *cfgPath, *gpuID); err != nil {
		log.Error().Err(err).Msg("run failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, mode, cfgPath string, gpuID int) error {
	if mode != "train" && mode != "test" {
		return errors.Wrapf(config.ErrConfig, "mode %q, want train or test", mode)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if gpuID >= 0 {
		cfg.GPUID = gpuID
	}
	runID := uuid.NewString()
	log.Info().Str("run", runID).Str("mode", mode).Str("model", cfg.Model).Int("gpu", cfg.GPUID).
		Msg("computation runs on the CPU tape machine")

	src, err := data.Open(cfg)
	if err != nil {
		return err
	}
	c, h, w := src.Geometry()

	// resolve both networks before anything touches the output directory
	opts := training.ModelOptions(cfg, c, h, w)
	backbone, err := nn.NewBackbone(cfg.Model, opts)
	if err != nil {
		return errors.Wrapf(err, "available models: %s", strings.Join(nn.Models(), ", "))
	}
	aux, err := nn.NewAuxNet(opts, cfg.AuxEmbeddingDim)
	if err != nil {
		return err
	}

	splits, err := data.Split(src, cfg)
	if err != nil {
		return err
	}

	text, err := logutil.Open(cfg.LogDir)
	if err != nil {
		return err
	}
	defer text.Close()
	text.Log(fmt.Sprintf("Run %s (%s), config %s", runID, mode, cfg.ConfigFileName), false)

	if mode == "test" {
		tester, err := training.NewTester(cfg, backbone, splits.Test, c, h, w, text)
		if err != nil {
			return err
		}
		defer tester.Close()
		_, err = tester.Run(ctx)
		return err
	}

	ctl, err := training.NewController(cfg, backbone, aux, splits, c, h, w, text)
	if err != nil {
		return err
	}
	defer ctl.Close()
	res, err := ctl.Train(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("epochs", res.EpochsRun).Int("checkpoints", res.CheckpointsSaved).
		Float64("best_val", res.BestValLoss).Bool("early_stop", res.Stopped).Msg("training finished")
	return nil
}

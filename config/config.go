// Package config holds the YAML configuration surface of a training run.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrConfig marks every configuration problem. These are fatal.
var ErrConfig = errors.New("config")

// Config is the full set of recognized options.
type Config struct {
	DatasetName       string `yaml:"dataset_name"`
	DatasetPath       string `yaml:"dataset_path"`
	TargetDim         []int  `yaml:"target_dim"`
	TrainValTestRatio string `yaml:"train_val_test_ratio"`
	RandomSeed        int64  `yaml:"random_seed"`
	NumWorkers        int    `yaml:"num_workers"`
	SamplePairs       bool   `yaml:"sample_pairs"`

	// Synthetic dataset knobs.
	NumChannels         int `yaml:"num_channels"`
	SyntheticSubjects   int `yaml:"synthetic_subjects"`
	SyntheticTimepoints int `yaml:"synthetic_timepoints"`

	Model           string  `yaml:"model"`
	NumFilters      int     `yaml:"num_filters"`
	Depth           int     `yaml:"depth"`
	UseResidual     bool    `yaml:"use_residual"`
	AuxEmbeddingDim int     `yaml:"aux_embedding_dim"`
	ODEMethod       string  `yaml:"ode_method"`
	ODEStepSize     float64 `yaml:"ode_step_size"`
	ODEMaxSteps     int     `yaml:"ode_max_steps"`

	LearningRate         float64 `yaml:"learning_rate"`
	LearningRateAux      float64 `yaml:"learning_rate_aux"`
	LearningRateFinetune float64 `yaml:"learning_rate_finetune"`
	WeightDecay          float64 `yaml:"weight_decay"`
	WarmupEpochs         int     `yaml:"warmup_epochs"`

	Patience            int     `yaml:"patience"`
	EarlyStopMinDelta   float64 `yaml:"early_stop_min_delta"`
	EarlyStopPercentage bool    `yaml:"early_stop_percentage"`

	// BatchSize doubles as the gradient accumulation window.
	BatchSize          int     `yaml:"batch_size"`
	MaxEpochs          int     `yaml:"max_epochs"`
	EpochsStage1       int     `yaml:"epochs_stage1"`
	TMultiplier        float64 `yaml:"t_multiplier"`
	PlotFreq           int     `yaml:"plot_freq"`
	MaxTrainingSamples *int    `yaml:"max_training_samples"`

	GPUID            int    `yaml:"gpu_id"`
	OutputSavePath   string `yaml:"output_save_path"`
	ModelSavePath    string `yaml:"model_save_path"`
	ModelAuxSavePath string `yaml:"model_aux_save_path"`
	LogDir           string `yaml:"log_dir"`

	// ConfigFileName is the path the config was read from.
	ConfigFileName string `yaml:"-"`
}

// Default returns a config with every optional knob filled in.
func Default() *Config {
	return &Config{
		DatasetName:          "synthetic",
		TargetDim:            []int{16, 16},
		TrainValTestRatio:    "6:2:2",
		RandomSeed:           1,
		NumWorkers:           2,
		NumChannels:          3,
		SyntheticSubjects:    10,
		SyntheticTimepoints:  3,
		Model:                "ODEAutoEncoder",
		NumFilters:           16,
		Depth:                2,
		AuxEmbeddingDim:      32,
		ODEMethod:            "rk4",
		ODEStepSize:          0.1,
		ODEMaxSteps:          1000,
		LearningRate:         1e-3,
		LearningRateAux:      1e-3,
		LearningRateFinetune: 1e-4,
		WeightDecay:          1e-4,
		WarmupEpochs:         10,
		Patience:             10,
		BatchSize:            4,
		MaxEpochs:            100,
		EpochsStage1:         50,
		TMultiplier:          0.1,
		PlotFreq:             100,
		OutputSavePath:       "results",
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	cfg.ConfigFileName = path
	return cfg, nil
}

// Parse decodes YAML bytes over the defaults and validates the result.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(ErrConfig, err.Error())
	}
	cfg.fillPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fillPaths() {
	if c.ModelSavePath == "" {
		c.ModelSavePath = c.OutputSavePath + "/" + c.Model + ".weights"
	}
	if c.ModelAuxSavePath == "" {
		c.ModelAuxSavePath = c.OutputSavePath + "/AuxNet.weights"
	}
	if c.LogDir == "" {
		c.LogDir = c.OutputSavePath + "/log.txt"
	}
}

// Validate checks ranges. It does not resolve model or dataset names; those
// registries fail on their own with a dedicated error.
func (c *Config) Validate() error {
	switch {
	case len(c.TargetDim) != 2 || c.TargetDim[0] <= 0 || c.TargetDim[1] <= 0:
		return errors.Wrapf(ErrConfig, "target_dim must be [H, W], got %v", c.TargetDim)
	case c.BatchSize <= 0:
		return errors.Wrapf(ErrConfig, "batch_size must be positive, got %d", c.BatchSize)
	case c.MaxEpochs <= 0:
		return errors.Wrapf(ErrConfig, "max_epochs must be positive, got %d", c.MaxEpochs)
	case c.EpochsStage1 < 0:
		return errors.Wrapf(ErrConfig, "epochs_stage1 must not be negative, got %d", c.EpochsStage1)
	case c.PlotFreq <= 0:
		return errors.Wrapf(ErrConfig, "plot_freq must be positive, got %d", c.PlotFreq)
	case c.TMultiplier <= 0:
		return errors.Wrapf(ErrConfig, "t_multiplier must be positive, got %g", c.TMultiplier)
	case c.ODEStepSize <= 0 || c.ODEMaxSteps <= 0:
		return errors.Wrap(ErrConfig, "ode_step_size and ode_max_steps must be positive")
	case c.NumFilters <= 0 || c.Depth < 0 || c.AuxEmbeddingDim <= 0:
		return errors.Wrap(ErrConfig, "num_filters and aux_embedding_dim must be positive, depth non-negative")
	case c.Patience < 0:
		return errors.Wrapf(ErrConfig, "patience must not be negative, got %d", c.Patience)
	case c.MaxTrainingSamples != nil && *c.MaxTrainingSamples < 1:
		return errors.Wrapf(ErrConfig, "max_training_samples must be at least 1, got %d", *c.MaxTrainingSamples)
	}
	if _, err := c.Ratios(); err != nil {
		return err
	}
	return nil
}

// Ratios parses train_val_test_ratio ("6:2:2") into fractions summing to 1.
func (c *Config) Ratios() ([3]float64, error) {
	var out [3]float64
	parts := strings.Split(c.TrainValTestRatio, ":")
	if len(parts) != 3 {
		return out, errors.Wrapf(ErrConfig, "train_val_test_ratio %q needs three parts", c.TrainValTestRatio)
	}
	var sum float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || v < 0 {
			return out, errors.Wrapf(ErrConfig, "train_val_test_ratio %q: bad part %q", c.TrainValTestRatio, p)
		}
		out[i] = v
		sum += v
	}
	if sum == 0 {
		return out, errors.Wrapf(ErrConfig, "train_val_test_ratio %q sums to zero", c.TrainValTestRatio)
	}
	for i := range out {
		out[i] /= sum
	}
	return out, nil
}

// SampleCap reports the optional per-epoch training sample cap.
func (c *Config) SampleCap() (int, bool) {
	if c.MaxTrainingSamples == nil {
		return 0, false
	}
	return *c.MaxTrainingSamples, true
}

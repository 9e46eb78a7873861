package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func TestParseOverridesDefaults(t *testing.T) {
	raw := []byte(`
dataset_name: retina_GA
dataset_path: /data/retina
target_dim: [32, 48]
model: T_AutoEncoder
batch_size: 8
epochs_stage1: 3
max_epochs: 9
max_training_samples: 20
output_save_path: out
`)
	cfg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.DatasetName != "retina_GA" || cfg.Model != "T_AutoEncoder" {
		t.Errorf("unexpected names %q %q", cfg.DatasetName, cfg.Model)
	}
	if cfg.TargetDim[0] != 32 || cfg.TargetDim[1] != 48 {
		t.Errorf("target_dim = %v", cfg.TargetDim)
	}
	if cfg.BatchSize != 8 || cfg.EpochsStage1 != 3 || cfg.MaxEpochs != 9 {
		t.Errorf("unexpected schedule %d %d %d", cfg.BatchSize, cfg.EpochsStage1, cfg.MaxEpochs)
	}
	if n, ok := cfg.SampleCap(); !ok || n != 20 {
		t.Errorf("SampleCap = %d, %v", n, ok)
	}
	// untouched defaults survive
	if cfg.ODEMethod != "rk4" || cfg.WarmupEpochs != 10 {
		t.Errorf("defaults lost: %q %d", cfg.ODEMethod, cfg.WarmupEpochs)
	}
	if cfg.ModelSavePath != "out/T_AutoEncoder.weights" || cfg.LogDir != "out/log.txt" {
		t.Errorf("derived paths %q %q", cfg.ModelSavePath, cfg.LogDir)
	}
}

func TestSampleCapAbsent(t *testing.T) {
	cfg, err := Parse([]byte("model: AutoEncoder\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := cfg.SampleCap(); ok {
		t.Error("expected no cap")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"zero batch", "batch_size: 0\n"},
		{"bad target", "target_dim: [16]\n"},
		{"bad ratio", "train_val_test_ratio: \"6:2\"\n"},
		{"zero ratio", "train_val_test_ratio: \"0:0:0\"\n"},
		{"negative multiplier", "t_multiplier: -1\n"},
		{"negative cap", "max_training_samples: -3\n"},
		{"zero cap", "max_training_samples: 0\n"},
		{"bad yaml", "batch_size: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			if !errors.Is(err, ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestRatiosNormalize(t *testing.T) {
	cfg := Default()
	cfg.TrainValTestRatio = "6:2:2"
	r, err := cfg.Ratios()
	if err != nil {
		t.Fatal(err)
	}
	want := [3]float64{0.6, 0.2, 0.2}
	for i := range r {
		if math.Abs(r[i]-want[i]) > 1e-12 {
			t.Errorf("ratio[%d] = %g, want %g", i, r[i], want[i])
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte("model: ODEAutoEncoder\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConfigFileName != path {
		t.Errorf("ConfigFileName = %q", cfg.ConfigFileName)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

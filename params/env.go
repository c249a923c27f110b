package params

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/manningwu07/chatlm/errs"
)

// LoadEnv reads an optional .env file into the process environment.
// A missing file is fine; variables already set win over the file.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides model and training settings from CHATLM_* variables.
func ApplyEnv(m *ModelConfig, t *TrainingConfig) error {
	var err error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" && err == nil {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("%s=%q: %w", key, v, errs.ErrInvalidInput)
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && v != "" && err == nil {
			f, perr := strconv.ParseFloat(v, 64)
			if perr != nil {
				err = fmt.Errorf("%s=%q: %w", key, v, errs.ErrInvalidInput)
				return
			}
			*dst = f
		}
	}

	arch := string(m.Architecture)
	str("CHATLM_ARCHITECTURE", &arch)
	m.Architecture = Architecture(arch)
	integer("CHATLM_D_MODEL", &m.DModel)
	integer("CHATLM_NUM_HEADS", &m.NumHeads)
	integer("CHATLM_NUM_LAYERS", &m.NumLayers)
	integer("CHATLM_HIDDEN_SIZE", &m.HiddenSize)
	integer("CHATLM_MAX_SEQ_LEN", &m.MaxSeqLen)
	float("CHATLM_LEARNING_RATE", &m.LearningRate)
	float("CHATLM_DROPOUT", &m.Dropout)
	float("CHATLM_TEMPERATURE", &m.Temperature)

	integer("CHATLM_EPOCHS", &t.Epochs)
	integer("CHATLM_BATCH_SIZE", &t.BatchSize)
	float("CHATLM_VALIDATION_FRACTION", &t.ValidationFraction)
	integer("CHATLM_FEEDBACK_EPOCHS", &t.FeedbackEpochs)
	float("CHATLM_GRAD_CLIP", &t.GradClip)
	float("CHATLM_WEIGHT_DECAY", &t.Adam.WeightDecay)
	integer("CHATLM_BEAM_WIDTH", &t.BeamWidth)
	integer("CHATLM_MIN_EXAMPLES", &t.MinExamplesForModel)
	str("CHATLM_TRAIN_LOG", &t.LogPath)
	if v, ok := os.LookupEnv("CHATLM_SEED"); ok && v != "" && err == nil {
		s, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return fmt.Errorf("CHATLM_SEED=%q: %w", v, errs.ErrInvalidInput)
		}
		t.Seed = s
	}
	return err
}

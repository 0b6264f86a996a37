package predict

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/valve-controller/internal/config"
)

// Features are the inputs every predictor sees.
type Features struct {
	CurrentTemp float64
	OutsideTemp float64
	Humidity    float64
	HourOfDay   int
}

// Predictor suggests a target temperature. The result may be any float,
// including NaN; callers validate and clamp it.
type Predictor interface {
	Predict(Features) float64
}

// Func adapts a plain function to Predictor.
type Func func(Features) float64

func (f Func) Predict(in Features) float64 { return f(in) }

// Load builds the predictor named in cfg. A model that cannot be loaded is
// replaced by the heuristic.
func Load(cfg *config.Config) Predictor {
	if cfg.Predictor != config.PredictorModel {
		return Heuristic{}
	}
	model, err := LoadLinear(cfg.ModelFile)
	if err != nil {
		log.Warn().Err(err).Str("model_file", cfg.ModelFile).Msg("Model unavailable, using heuristic predictor")
		return Heuristic{}
	}
	log.Info().Str("model_file", cfg.ModelFile).Msg("Loaded prediction model")
	return Fallback{Primary: model, Backup: Heuristic{}}
}

// Fallback uses Backup whenever Primary returns a non-finite value.
type Fallback struct {
	Primary Predictor
	Backup  Predictor
}

func (f Fallback) Predict(in Features) float64 {
	v := f.Primary.Predict(in)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		log.Debug().Float64("output", v).Msg("Model output not finite, using fallback")
		return f.Backup.Predict(in)
	}
	return v
}

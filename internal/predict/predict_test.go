package predict

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/valve-controller/internal/config"
)

func TestHeuristic(t *testing.T) {
	h := Heuristic{}
	day := Features{CurrentTemp: 20, OutsideTemp: 10, Humidity: 45, HourOfDay: 14}

	assert.Equal(t, 21.0, h.Predict(day))

	night := day
	night.HourOfDay = 23
	assert.Equal(t, 18.0, h.Predict(night))
	night.HourOfDay = 5
	assert.Equal(t, 18.0, h.Predict(night))
	night.HourOfDay = 6
	assert.Equal(t, 21.0, h.Predict(night))

	cold := day
	cold.OutsideTemp = -4
	assert.Equal(t, 21.5, h.Predict(cold))

	humid := day
	humid.Humidity = 75
	assert.Equal(t, 20.5, h.Predict(humid))

	dry := day
	dry.Humidity = 20
	assert.Equal(t, 21.5, h.Predict(dry))
}

func writeModel(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLinear(t *testing.T) {
	path := writeModel(t, `{"weights":[1,0,0,0],"bias":0,"input_min":0,"input_max":40,"output_min":10,"output_max":30}`)
	m, err := LoadLinear(path)
	require.NoError(t, err)

	// 20 scales to 0.5 and maps back to the middle of the output range.
	assert.InDelta(t, 20.0, m.Predict(Features{CurrentTemp: 20}), 1e-9)
	assert.InDelta(t, 10.0, m.Predict(Features{CurrentTemp: 0}), 1e-9)
}

func TestLoadLinear_Invalid(t *testing.T) {
	_, err := LoadLinear(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadLinear(writeModel(t, `{"weights":[1,1,1,1]`))
	assert.Error(t, err)

	_, err = LoadLinear(writeModel(t, `{"weights":[1,1,1,1],"input_min":5,"input_max":5,"output_min":0,"output_max":1}`))
	assert.Error(t, err)
}

func TestFallback(t *testing.T) {
	f := Fallback{Primary: Func(func(Features) float64 { return math.NaN() }), Backup: Heuristic{}}
	assert.Equal(t, 21.0, f.Predict(Features{HourOfDay: 12, Humidity: 45}))

	f.Primary = Func(func(Features) float64 { return math.Inf(1) })
	assert.Equal(t, 21.0, f.Predict(Features{HourOfDay: 12, Humidity: 45}))

	f.Primary = Func(func(Features) float64 { return 23.2 })
	assert.Equal(t, 23.2, f.Predict(Features{}))
}

func TestLoad(t *testing.T) {
	cfg := &config.Config{Predictor: config.PredictorHeuristic}
	assert.IsType(t, Heuristic{}, Load(cfg))

	cfg = &config.Config{Predictor: config.PredictorModel, ModelFile: filepath.Join(t.TempDir(), "gone.json")}
	assert.IsType(t, Heuristic{}, Load(cfg))

	cfg.ModelFile = writeModel(t, `{"weights":[0,0,0,0],"bias":0.5,"input_min":0,"input_max":1,"output_min":10,"output_max":30}`)
	p := Load(cfg)
	require.IsType(t, Fallback{}, p)
	assert.InDelta(t, 20.0, p.Predict(Features{}), 1e-9)
}

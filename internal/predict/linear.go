package predict

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Linear is a trained linear model over min-max scaled inputs.
type Linear struct {
	Weights   [4]float64 `json:"weights"`
	Bias      float64    `json:"bias"`
	InputMin  float64    `json:"input_min"`
	InputMax  float64    `json:"input_max"`
	OutputMin float64    `json:"output_min"`
	OutputMax float64    `json:"output_max"`
}

// LoadLinear reads a model file like:
//
//	{"weights":[0.4,-0.2,0.05,0.1],"bias":0.3,"input_min":-20,"input_max":100,"output_min":5,"output_max":35}
func LoadLinear(path string) (*Linear, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var m Linear
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	if err := m.check(); err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return &m, nil
}

func (m *Linear) check() error {
	if !(m.InputMax > m.InputMin) {
		return fmt.Errorf("input_max %.2f must exceed input_min %.2f", m.InputMax, m.InputMin)
	}
	if !(m.OutputMax > m.OutputMin) {
		return fmt.Errorf("output_max %.2f must exceed output_min %.2f", m.OutputMax, m.OutputMin)
	}
	return nil
}

func (m *Linear) Predict(in Features) float64 {
	inputs := [4]float64{in.CurrentTemp, in.OutsideTemp, in.Humidity, float64(in.HourOfDay)}
	span := m.InputMax - m.InputMin
	y := m.Bias
	for i, x := range inputs {
		y += m.Weights[i] * (x - m.InputMin) / span
	}
	if math.IsNaN(y) {
		return y
	}
	return m.OutputMin + y*(m.OutputMax-m.OutputMin)
}

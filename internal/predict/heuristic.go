package predict

const (
	comfortTarget = 21.0
	nightTarget   = 18.0
	nightStart    = 22
	nightEnd      = 6
)

// Heuristic is the rule-based predictor used when no model is configured.
type Heuristic struct{}

func (Heuristic) Predict(in Features) float64 {
	target := comfortTarget
	if in.HourOfDay >= nightStart || in.HourOfDay < nightEnd {
		target = nightTarget
	}
	if in.OutsideTemp < 0 {
		target += 0.5
	}
	switch {
	case in.Humidity > 60:
		target -= 0.5
	case in.Humidity > 0 && in.Humidity < 30:
		target += 0.5
	}
	return target
}

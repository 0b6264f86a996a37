package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/thatsimonsguy/valve-controller/internal/model"
)

// Decoder turns one payload into a fragment. Decoders never return an
// empty fragment without an error.
type Decoder func(payload []byte) (model.Fragment, error)

var errEmpty = errors.New("payload has no recognised fields")

func parseFloat(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", raw)
	}
	return v, nil
}

func parseHumidity(raw string) (float64, error) {
	v, err := parseFloat(raw)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 100 {
		return 0, fmt.Errorf("humidity %.1f outside 0-100", v)
	}
	return v, nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "on":
		return true, nil
	case "false", "0", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", raw)
}

func floatField(set func(*model.Fragment, float64), parse func(string) (float64, error)) Decoder {
	return func(payload []byte) (model.Fragment, error) {
		var f model.Fragment
		v, err := parse(string(payload))
		if err != nil {
			return f, err
		}
		set(&f, v)
		return f, nil
	}
}

// DecodeTemperature and friends handle the per-field plain text topics.
var (
	DecodeTemperature = floatField(func(f *model.Fragment, v float64) { f.Temperature = &v }, parseFloat)
	DecodeOutside     = floatField(func(f *model.Fragment, v float64) { f.OutsideTemperature = &v }, parseFloat)
	DecodeHumidity    = floatField(func(f *model.Fragment, v float64) { f.Humidity = &v }, parseHumidity)
	DecodeTarget      = floatField(func(f *model.Fragment, v float64) { f.TargetTemperature = &v }, parseFloat)
)

func DecodeStatus(payload []byte) (model.Fragment, error) {
	var f model.Fragment
	v, err := parseBool(string(payload))
	if err != nil {
		return f, err
	}
	f.IsHeating = &v
	return f, nil
}

// compositeKeys maps every accepted JSON key to the fragment field it sets.
// Firmware generations disagree on casing and naming.
var compositeKeys = map[string]func(f *model.Fragment, raw json.RawMessage) error{
	"temperature":         jsonFloat(func(f *model.Fragment, v float64) { f.Temperature = &v }, parseFloat),
	"outside_temperature": jsonFloat(func(f *model.Fragment, v float64) { f.OutsideTemperature = &v }, parseFloat),
	"outsideTemperature":  jsonFloat(func(f *model.Fragment, v float64) { f.OutsideTemperature = &v }, parseFloat),
	"humidity":            jsonFloat(func(f *model.Fragment, v float64) { f.Humidity = &v }, parseHumidity),
	"target_temperature":  jsonFloat(func(f *model.Fragment, v float64) { f.TargetTemperature = &v }, parseFloat),
	"targetTemperature":   jsonFloat(func(f *model.Fragment, v float64) { f.TargetTemperature = &v }, parseFloat),
	"is_heating":          jsonBool,
	"isHeating":           jsonBool,
	"isValveOpen":         jsonBool,
}

func jsonFloat(set func(*model.Fragment, float64), parse func(string) (float64, error)) func(*model.Fragment, json.RawMessage) error {
	return func(f *model.Fragment, raw json.RawMessage) error {
		// numbers arrive bare or quoted depending on firmware
		v, err := parse(strings.Trim(string(raw), `"`))
		if err != nil {
			return err
		}
		set(f, v)
		return nil
	}
}

func jsonBool(f *model.Fragment, raw json.RawMessage) error {
	v, err := parseBool(strings.Trim(string(raw), `"`))
	if err != nil {
		return err
	}
	f.IsHeating = &v
	return nil
}

// DecodeComposite reads a JSON object carrying any subset of the status
// fields. Sub-fields that fail to parse are skipped; the rest still apply.
func DecodeComposite(payload []byte) (model.Fragment, error) {
	var f model.Fragment
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return f, err
	}
	for key, raw := range obj {
		set, ok := compositeKeys[key]
		if !ok {
			continue
		}
		_ = set(&f, raw)
	}
	if f.Empty() {
		return f, errEmpty
	}
	return f, nil
}

// DecodeDisplay reads the two-line LCD mirror, lines separated by '|':
//
//	T:22.5C H:55%|SET:21.0C ON
//
// OUT:<temp> is accepted on either line.
func DecodeDisplay(payload []byte) (model.Fragment, error) {
	var f model.Fragment
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return f, errEmpty
	}
	for _, line := range strings.Split(text, "|") {
		for _, tok := range strings.Fields(line) {
			key, val, hasVal := strings.Cut(tok, ":")
			if !hasVal {
				if b, err := parseBool(key); err == nil {
					f.IsHeating = &b
				}
				continue
			}
			val = strings.TrimRight(val, "C%°")
			switch strings.ToUpper(key) {
			case "T":
				if v, err := parseFloat(val); err == nil {
					f.Temperature = &v
				}
			case "OUT":
				if v, err := parseFloat(val); err == nil {
					f.OutsideTemperature = &v
				}
			case "H":
				if v, err := parseHumidity(val); err == nil {
					f.Humidity = &v
				}
			case "SET":
				if v, err := parseFloat(val); err == nil {
					f.TargetTemperature = &v
				}
			}
		}
	}
	if f.Empty() {
		return f, errEmpty
	}
	return f, nil
}

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesJSONLines(t *testing.T) {
	orig := log.Logger
	defer func() { log.Logger = orig }()

	path := filepath.Join(t.TempDir(), "valve.log")
	Init(zerolog.InfoLevel, path, false)

	cl := Component("controlloop")
	cl.Info().Float64("setpoint", 21).Msg("setpoint_published")
	log.Debug().Msg("filtered out")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"component":"controlloop"`)
	assert.Contains(t, out, `"message":"setpoint_published"`)
	assert.False(t, strings.Contains(out, "filtered out"))
}

func TestInitPanicsOnUnwritablePath(t *testing.T) {
	orig := log.Logger
	defer func() { log.Logger = orig }()

	assert.Panics(t, func() {
		Init(zerolog.InfoLevel, filepath.Join(t.TempDir(), "missing", "dir", "valve.log"), false)
	})
}

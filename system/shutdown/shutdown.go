package shutdown

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

const stepTimeout = 5 * time.Second

var exit = os.Exit

// Step is one component to stop during shutdown.
type Step struct {
	Name string
	Stop func(ctx context.Context) error
}

// Run stops each step in order. A failing step is logged and the rest
// still run.
func Run(ctx context.Context, steps ...Step) {
	for _, s := range steps {
		stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
		if err := s.Stop(stepCtx); err != nil {
			log.Error().Err(err).Str("component", s.Name).Msg("Shutdown step failed")
		} else {
			log.Info().Str("component", s.Name).Msg("Stopped")
		}
		cancel()
	}
}

// ShutdownWithError logs a fatal startup error and exits non-zero.
func ShutdownWithError(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	exit(1)
}

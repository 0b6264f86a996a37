package shutdown

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStopsInOrderDespiteFailures(t *testing.T) {
	var order []string
	step := func(name string, err error) Step {
		return Step{Name: name, Stop: func(ctx context.Context) error {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			order = append(order, name)
			return err
		}}
	}

	Run(context.Background(), step("loop", nil), step("api", errors.New("busy")), step("transport", nil))

	assert.Equal(t, []string{"loop", "api", "transport"}, order)
}

func TestShutdownWithError(t *testing.T) {
	code := -1
	orig := exit
	exit = func(c int) { code = c }
	defer func() { exit = orig }()

	ShutdownWithError(errors.New("db locked"), "Failed to open database")
	assert.Equal(t, 1, code)
}

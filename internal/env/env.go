package env

import (
	"github.com/thatsimonsguy/valve-controller/internal/config"
)

// Cfg is the process configuration, set once by main before any
// package-level sink (metrics, notifications) is initialised.
var Cfg *config.Config

package startup

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/valve-controller/internal/config"
)

var runSystemctl = func(args ...string) error {
	cmd := exec.Command("systemctl", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// UnitFile renders the systemd unit for the controller daemon.
func UnitFile(cfg *config.Config) string {
	configPath, err := filepath.Abs(cfg.ConfigFile)
	if err != nil {
		configPath = cfg.ConfigFile
	}
	workdir := filepath.Dir(configPath)
	return fmt.Sprintf(`[Unit]
Description=Smart radiator valve controller
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
WorkingDirectory=%s
ExecStart=%s -config-file %s -log-level %s
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, workdir, cfg.ServiceBinaryPath, configPath, cfg.LogLevel.String())
}

// InstallService writes the unit file and enables it.
func InstallService(cfg *config.Config) error {
	if err := os.WriteFile(cfg.ServiceUnitPath, []byte(UnitFile(cfg)), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	log.Info().Str("path", cfg.ServiceUnitPath).Msg("Wrote systemd unit")

	unit := filepath.Base(cfg.ServiceUnitPath)
	if err := runSystemctl("daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w", err)
	}
	if err := runSystemctl("enable", unit); err != nil {
		return fmt.Errorf("systemctl enable %s: %w", unit, err)
	}
	log.Info().Str("unit", unit).Msg("Service enabled")
	return nil
}

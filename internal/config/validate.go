package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable. The overseer section is
// validated separately at overseer startup because the remediation prompt is
// only required when supervising.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateIntervals(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		return errors.New("paths.state_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateIntervals() error {
	return ensurePositiveMap(map[string]int{
		"overseer.heartbeat_timeout_secs":     c.Overseer.HeartbeatTimeoutSecs,
		"overseer.stall_timeout_secs":         c.Overseer.StallTimeoutSecs,
		"overseer.restart_cooldown_secs":      c.Overseer.RestartCooldownSecs,
		"overseer.health_check_interval_secs": c.Overseer.HealthCheckIntervalSecs,
		"overseer.startup_timeout_secs":       c.Overseer.StartupTimeoutSecs,
		"daemon.poll_interval_secs":           c.Daemon.PollIntervalSecs,
		"daemon.heartbeat_interval_secs":      c.Daemon.HeartbeatIntervalSecs,
		"daemon.concurrency":                  c.Daemon.Concurrency,
		"patrol.pending_prompt_stale_secs":    c.Patrol.PendingPromptStaleSecs,
		"patrol.pending_clear_retry_limit":    c.Patrol.PendingClearRetryLimit,
		"patrol.commit_fallback_secs":         c.Patrol.CommitFallbackSecs,
	})
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, value)
		}
	}
	return nil
}

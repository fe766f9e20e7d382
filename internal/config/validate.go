package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validSchemes = map[string]bool{
	"ws":  true,
	"wss": true,
}

var validSources = map[string]bool{
	"tone":    true,
	"wav":     true,
	"silence": true,
}

// ValidationResult separates errors that must stop startup from values that
// were clamped into range.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// All returns fatals followed by warnings.
func (r ValidationResult) All() []error {
	out := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	out = append(out, r.Fatals...)
	return append(out, r.Warnings...)
}

// Validate checks the config and returns every problem found. Out-of-range
// numeric values are clamped in place.
func (c *Config) Validate() []error {
	result := c.ValidateTiered()
	for _, err := range result.Warnings {
		slog.Warn("config validation", "error", err)
	}
	for _, err := range result.Fatals {
		slog.Error("config validation", "error", err)
	}
	return result.All()
}

// ValidateTiered reports malformed identity and transport settings as fatal
// and clamps sizing knobs with a warning.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if strings.TrimSpace(c.ServerHost) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("server_host must not be empty"))
	} else if strings.ContainsAny(c.ServerHost, "/ ") {
		r.Fatals = append(r.Fatals, fmt.Errorf("server_host %q must be a host name or address, not a URL", c.ServerHost))
	} else if ip := net.ParseIP(c.ServerHost); ip == nil && strings.Contains(c.ServerHost, ":") {
		r.Fatals = append(r.Fatals, fmt.Errorf("server_host %q must not include a port", c.ServerHost))
	}

	if c.ControlPort < 1 || c.ControlPort > 65535 {
		r.Fatals = append(r.Fatals, fmt.Errorf("control_port %d is out of range 1-65535", c.ControlPort))
	}

	if !validSchemes[strings.ToLower(c.ControlScheme)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("control_scheme must be ws or wss, got %q", c.ControlScheme))
	}

	if !strings.EqualFold(c.DataProtocol, "udp") {
		r.Fatals = append(r.Fatals, fmt.Errorf("data_protocol must be udp, got %q", c.DataProtocol))
	}

	for _, field := range []struct{ name, value string }{
		{"username", c.Username},
		{"password", c.Password},
	} {
		for _, ch := range field.value {
			if unicode.IsControl(ch) {
				r.Fatals = append(r.Fatals, fmt.Errorf("%s contains control characters", field.name))
				break
			}
		}
	}

	if c.Source != "" && !validSources[strings.ToLower(c.Source)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("source %q is not valid (use tone, wav, silence)", c.Source))
	} else if strings.EqualFold(c.Source, "wav") && c.SourcePath == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("source_path is required when source is wav"))
	}

	if c.Channels < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("channels %d is below minimum 1, clamping", c.Channels))
		c.Channels = 1
	} else if c.Channels > 64 {
		r.Warnings = append(r.Warnings, fmt.Errorf("channels %d exceeds maximum 64, clamping", c.Channels))
		c.Channels = 64
	}

	if c.MinChannels < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("min_channels %d is below minimum 1, clamping", c.MinChannels))
		c.MinChannels = 1
	}

	// The sequence counter wraps at 150 frames; a zero frame size would make
	// the modulus zero.
	if c.FrameSize < 16 {
		r.Warnings = append(r.Warnings, fmt.Errorf("frame_size %d is below minimum 16, clamping", c.FrameSize))
		c.FrameSize = 16
	} else if c.FrameSize > 8192 {
		r.Warnings = append(r.Warnings, fmt.Errorf("frame_size %d exceeds maximum 8192, clamping", c.FrameSize))
		c.FrameSize = 8192
	}

	if c.SampleRate < 8000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("sample_rate %d is below minimum 8000, clamping", c.SampleRate))
		c.SampleRate = 8000
	} else if c.SampleRate > 192000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("sample_rate %d exceeds maximum 192000, clamping", c.SampleRate))
		c.SampleRate = 192000
	}

	if c.Volume < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("volume %v is below minimum 0, clamping", c.Volume))
		c.Volume = 0
	} else if c.Volume > 4 {
		r.Warnings = append(r.Warnings, fmt.Errorf("volume %v exceeds maximum 4, clamping", c.Volume))
		c.Volume = 4
	}

	if c.Workers < 2 {
		// The probe loop and the sender drain loop each hold a worker.
		r.Warnings = append(r.Warnings, fmt.Errorf("workers %d is below minimum 2, clamping", c.Workers))
		c.Workers = 2
	} else if c.Workers > 64 {
		r.Warnings = append(r.Warnings, fmt.Errorf("workers %d exceeds maximum 64, clamping", c.Workers))
		c.Workers = 64
	}

	if c.TaskQueueSize < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("task_queue_size %d is below minimum 1, clamping", c.TaskQueueSize))
		c.TaskQueueSize = 1
	} else if c.TaskQueueSize > 10000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("task_queue_size %d exceeds maximum 10000, clamping", c.TaskQueueSize))
		c.TaskQueueSize = 10000
	}

	if c.FrameQueueSize < 2 {
		r.Warnings = append(r.Warnings, fmt.Errorf("frame_queue_size %d is below minimum 2, clamping", c.FrameQueueSize))
		c.FrameQueueSize = 2
	} else if c.FrameQueueSize > 4096 {
		r.Warnings = append(r.Warnings, fmt.Errorf("frame_queue_size %d exceeds maximum 4096, clamping", c.FrameQueueSize))
		c.FrameQueueSize = 4096
	}

	if c.WaitTimeoutSeconds < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("wait_timeout_seconds %d is below minimum 1, clamping", c.WaitTimeoutSeconds))
		c.WaitTimeoutSeconds = 1
	} else if c.WaitTimeoutSeconds > 600 {
		r.Warnings = append(r.Warnings, fmt.Errorf("wait_timeout_seconds %d exceeds maximum 600, clamping", c.WaitTimeoutSeconds))
		c.WaitTimeoutSeconds = 600
	}

	if c.DSCP < 0 || c.DSCP > 63 {
		r.Warnings = append(r.Warnings, fmt.Errorf("dscp %d is out of range 0-63, using 46", c.DSCP))
		c.DSCP = 46
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.LogMaxSizeMB < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_max_size_mb %d is below minimum 1, clamping", c.LogMaxSizeMB))
		c.LogMaxSizeMB = 1
	}
	if c.LogMaxBackups < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_max_backups %d is negative, clamping", c.LogMaxBackups))
		c.LogMaxBackups = 0
	}

	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("metrics_listen %q is not host:port: %w", c.MetricsListen, err))
		}
	}

	return r
}

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/technosupport/guardian/internal/events"
)

var cameraIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)
var usbSourcePattern = regexp.MustCompile(`^\d+$`)

// Camera is one entry of the camera registry.
type Camera struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`   // "USB" or "RTSP"
	Source   string `yaml:"source"` // "0" for USB index, "rtsp://..." for RTSP
	Enabled  bool   `yaml:"enabled"`
	FPSLimit int    `yaml:"fps_limit"`
}

// EscalationRule is the per-severity row of the escalation matrix.
// Read-only at runtime; reload swaps the whole generation.
type EscalationRule struct {
	Severity             string   `yaml:"severity"`
	AckTimeoutSec        int      `yaml:"ack_timeout_sec"`
	AutoEscalateAfterSec int      `yaml:"auto_escalate_after_sec"`
	NotifyTargets        []string `yaml:"notify_targets"`
	AutoCapture          bool     `yaml:"auto_capture"`
	QuietHoursOverride   bool     `yaml:"quiet_hours_override"`
}

func (r EscalationRule) AckTimeout() time.Duration {
	return time.Duration(r.AckTimeoutSec) * time.Second
}

func (r EscalationRule) AutoEscalateAfter() time.Duration {
	return time.Duration(r.AutoEscalateAfterSec) * time.Second
}

// QuietHours suppresses human-facing alert side effects inside the window.
// State transitions and audit are never suppressed.
type QuietHours struct {
	Enabled bool   `yaml:"enabled"`
	Start   string `yaml:"start"` // "22:00"
	End     string `yaml:"end"`   // "07:00"
}

// In reports whether t falls inside the quiet window. Windows may wrap
// midnight (22:00-07:00).
func (q QuietHours) In(t time.Time) bool {
	if !q.Enabled {
		return false
	}
	start, err1 := parseClock(q.Start)
	end, err2 := parseClock(q.End)
	if err1 != nil || err2 != nil {
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	if start <= end {
		return minutes >= start && minutes < end
	}
	return minutes >= start || minutes < end
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	return h*60 + m, nil
}

type Operator struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	PasswordHash string `yaml:"password_hash"` // argon2id encoded
}

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	NATS struct {
		URL            string `yaml:"url"`
		EventsSubject  string `yaml:"events_subject"`  // per-camera suffix appended
		NotifySubject  string `yaml:"notify_subject"`
		CaptureSubject string `yaml:"capture_subject"`
	} `yaml:"nats"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`

	Ingest struct {
		QueueSize            int `yaml:"queue_size"`
		CorrelationWindowSec int `yaml:"correlation_window_sec"`
		ReplayGuardSize      int `yaml:"replay_guard_size"`
		ReplayGuardTTLSec    int `yaml:"replay_guard_ttl_sec"`
	} `yaml:"ingest"`

	Supervisor struct {
		ReconnectBackoffMS     int `yaml:"reconnect_backoff_ms"`
		MaxBackoffMS           int `yaml:"max_backoff_ms"`
		MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
		FailureWindowSec       int `yaml:"failure_window_sec"`
		HeartbeatTimeoutMult   int `yaml:"heartbeat_timeout_mult"`
	} `yaml:"supervisor"`

	Audit struct {
		SpoolDir   string `yaml:"spool_dir"`
		SpoolMaxMB int64  `yaml:"spool_max_mb"`
	} `yaml:"audit"`

	Auth struct {
		SigningKey string     `yaml:"signing_key"`
		Operators  []Operator `yaml:"operators"`
	} `yaml:"auth"`

	QuietHours QuietHours       `yaml:"quiet_hours"`
	Cameras    []Camera         `yaml:"cameras"`
	Escalation []EscalationRule `yaml:"escalation"`
}

func (c *Config) CorrelationWindow() time.Duration {
	if c.Ingest.CorrelationWindowSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Ingest.CorrelationWindowSec) * time.Second
}

// Load parses and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if err := ValidateCamera(cam); err != nil {
			return fmt.Errorf("camera %q: %w", cam.ID, err)
		}
		if seen[cam.ID] {
			return fmt.Errorf("duplicate camera id: %s", cam.ID)
		}
		seen[cam.ID] = true
	}

	for _, r := range c.Escalation {
		if events.Severity(r.Severity).Rank() == 0 {
			return fmt.Errorf("escalation rule: unknown severity %q", r.Severity)
		}
		if r.AckTimeoutSec <= 0 {
			return fmt.Errorf("escalation rule %s: ack_timeout_sec must be > 0", r.Severity)
		}
	}
	return nil
}

// ValidateCamera applies the registry rules: id format, source format per
// type, fps bounds.
func ValidateCamera(cam *Camera) error {
	if !cameraIDPattern.MatchString(cam.ID) {
		return fmt.Errorf("invalid camera id")
	}
	if strings.TrimSpace(cam.Name) == "" {
		return fmt.Errorf("camera name is required")
	}

	cam.Type = strings.ToUpper(cam.Type)
	switch cam.Type {
	case "USB":
		if !usbSourcePattern.MatchString(strings.TrimSpace(cam.Source)) {
			return fmt.Errorf("USB camera source must be a numeric index, got %q", cam.Source)
		}
	case "RTSP":
		s := strings.TrimSpace(cam.Source)
		if !strings.HasPrefix(s, "rtsp://") && !strings.HasPrefix(s, "rtsps://") {
			return fmt.Errorf("RTSP source must start with rtsp:// or rtsps://")
		}
	default:
		return fmt.Errorf("invalid camera type: %s", cam.Type)
	}

	if cam.FPSLimit == 0 {
		cam.FPSLimit = 20
	}
	if cam.FPSLimit < 1 || cam.FPSLimit > 60 {
		return fmt.Errorf("fps_limit must be between 1 and 60")
	}
	return nil
}

// Package health keeps the last reported status of each engine component
// and folds them into one overall status for /healthz and the CLI.
package health

import (
	"slices"
	"sync"
	"time"

	"github.com/TheChosenO1/pamplejuce/internal/logging"
)

var log = logging.L("health")

const (
	ControlChannel = "control_channel"
	DataChannel    = "data_channel"
	Probe          = "probe"
	Sender         = "sender"
)

type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// severity orders statuses from best to worst. Unknown ranks worst so a
// component that stopped reporting is never hidden behind healthy peers.
var severity = []Status{Healthy, Degraded, Unhealthy, Unknown}

func (s Status) rank() int {
	if i := slices.Index(severity, s); i >= 0 {
		return i
	}
	return slices.Index(severity, Unhealthy)
}

func (s Status) IsValid() bool {
	return slices.Contains(severity, s)
}

type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Monitor is safe for concurrent use.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
}

// NewMonitor creates a monitor with no checks.
func NewMonitor() *Monitor {
	return &Monitor{checks: map[string]Check{}}
}

// Update replaces the check for name. Statuses outside the known set are
// recorded as Unhealthy. Transitions are logged, repeats are not.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		log.Warn("unknown health status", "component", name, "status", string(status))
		status = Unhealthy
	}

	m.mu.Lock()
	prev, seen := m.checks[name]
	m.checks[name] = Check{Name: name, Status: status, Message: message, UpdatedAt: time.Now()}
	m.mu.Unlock()

	switch {
	case seen && prev.Status == status:
	case status != Healthy:
		log.Warn("component unhealthy", "component", name, "status", string(status), "message", message)
	case seen:
		log.Info("component recovered", "component", name, "was", string(prev.Status))
	}
}

func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	c, ok := m.checks[name]
	m.mu.RUnlock()
	return c, ok
}

// Overall is the worst status among all checks, or Unknown when nothing
// has reported yet.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return worst(m.checks)
}

// All returns the checks ordered by component name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	out := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		out = append(out, c)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Check) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Summary renders the overall status and every component's status from a
// single consistent view.
func (m *Monitor) Summary() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]string, len(m.checks))
	for name, c := range m.checks {
		components[name] = string(c.Status)
	}
	return map[string]any{
		"status":     string(worst(m.checks)),
		"components": components,
	}
}

func worst(checks map[string]Check) Status {
	if len(checks) == 0 {
		return Unknown
	}
	out := Healthy
	for _, c := range checks {
		if c.Status.rank() > out.rank() {
			out = c.Status
		}
	}
	return out
}

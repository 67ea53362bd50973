package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// HealthStatus is the body of /health and /ready. Components maps a
// component such as "store", "monitor" or "dns" to its state.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// component is the last state reported by a subsystem
type component struct {
	Healthy bool
	Message string
	Updated time.Time
}

type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]component
	critical   []string
	started    time.Time
	version    string
}

var healthChecker = newHealthChecker()

func newHealthChecker() *healthRegistry {
	return &healthRegistry{
		components: make(map[string]component),
		critical:   []string{"store"},
		started:    time.Now(),
	}
}

// SetCriticalComponents names the components that must be reported healthy
// before /ready answers 200. serve requires the store, the monitor and the
// DNS binder; the agent requires its database.
func SetCriticalComponents(names ...string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.critical = append([]string(nil), names...)
}

func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// RegisterComponent records the state of a subsystem. Reporting the same
// name again replaces it.
func RegisterComponent(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.components[name] = component{Healthy: healthy, Message: message, Updated: time.Now()}
}

// UpdateComponent is RegisterComponent under the name the reconciler and
// monitor use for later reports
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// snapshot must be called with mu held
func (h *healthRegistry) snapshot(status string) HealthStatus {
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]string, len(h.components)),
		Version:    h.version,
		Uptime:     time.Since(h.started).Round(time.Second).String(),
	}
}

// GetHealth is unhealthy when any reported component is
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	hs := healthChecker.snapshot(StatusHealthy)
	for name, c := range healthChecker.components {
		if c.Healthy {
			hs.Components[name] = StatusHealthy
			continue
		}
		hs.Status = StatusUnhealthy
		hs.Components[name] = StatusUnhealthy + ": " + c.Message
	}
	return hs
}

// GetReadiness only looks at the critical components. One that has not
// reported yet keeps the process not ready.
func GetReadiness() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	hs := healthChecker.snapshot(StatusReady)
	for _, name := range healthChecker.critical {
		c, ok := healthChecker.components[name]
		switch {
		case !ok:
			hs.Status = StatusNotReady
			hs.Message = "waiting for " + name + " initialization"
			hs.Components[name] = "not registered"
		case !c.Healthy:
			hs.Status = StatusNotReady
			hs.Message = "waiting for " + name
			hs.Components[name] = "not ready: " + c.Message
		default:
			hs.Components[name] = StatusReady
		}
	}
	return hs
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusHandler(get func() HealthStatus, ok string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hs := get()
		code := http.StatusOK
		if hs.Status != ok {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, hs)
	}
}

// HealthHandler serves /health: 503 while any component is unhealthy
func HealthHandler() http.HandlerFunc {
	return statusHandler(GetHealth, StatusHealthy)
}

// ReadyHandler serves /ready: 503 until every critical component is healthy
func ReadyHandler() http.HandlerFunc {
	return statusHandler(GetReadiness, StatusReady)
}

// LivenessHandler serves /live and always answers 200
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(healthChecker.started).Round(time.Second).String(),
		})
	}
}

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewChecker(t *testing.T) {
	c := NewChecker(5 * time.Second)
	if c == nil {
		t.Fatal("NewChecker returned nil")
	}

	if c.timeout != 5*time.Second {
		t.Errorf("Expected timeout 5s, got %v", c.timeout)
	}

	// Test default timeout
	c2 := NewChecker(0)
	if c2.timeout != 5*time.Second {
		t.Errorf("Expected default timeout 5s, got %v", c2.timeout)
	}
}

func TestRegisterUnregister(t *testing.T) {
	c := NewChecker(5 * time.Second)

	check := AlwaysHealthy()
	c.Register("dispatcher", check)

	if len(c.components) != 1 {
		t.Errorf("Expected 1 component, got %d", len(c.components))
	}

	c.Unregister("dispatcher")

	if len(c.components) != 0 {
		t.Errorf("Expected 0 components, got %d", len(c.components))
	}
}

func TestCheck(t *testing.T) {
	c := NewChecker(5 * time.Second)

	c.Register("watcher", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{
			Status:  StatusHealthy,
			Message: "watching for new files",
		}
	})

	c.Register("sink", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{
			Status:  StatusDegraded,
			Message: "3 consecutive delivery failures",
		}
	})

	ctx := context.Background()
	results := c.Check(ctx)

	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}

	if results["watcher"].Status != StatusHealthy {
		t.Errorf("Expected watcher to be healthy, got %s", results["watcher"].Status)
	}

	if results["sink"].Status != StatusDegraded {
		t.Errorf("Expected sink to be degraded, got %s", results["sink"].Status)
	}

	// Verify last checked time is set
	if results["watcher"].LastChecked.IsZero() {
		t.Error("LastChecked should be set")
	}
}

func TestCheckComponent(t *testing.T) {
	c := NewChecker(5 * time.Second)

	c.Register("dispatcher", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{
			Status:  StatusHealthy,
			Message: "tailing 4 files",
		}
	})

	ctx := context.Background()
	result, exists := c.CheckComponent(ctx, "dispatcher")

	if !exists {
		t.Fatal("Component should exist")
	}

	if result.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", result.Status)
	}

	_, exists = c.CheckComponent(ctx, "nonexistent")
	if exists {
		t.Error("Nonexistent component should not exist")
	}
}

func TestGetLastStatus(t *testing.T) {
	c := NewChecker(5 * time.Second)

	c.Register("dispatcher", AlwaysHealthy())

	ctx := context.Background()
	c.Check(ctx)

	lastStatus := c.GetLastStatus()

	if len(lastStatus) != 1 {
		t.Fatalf("Expected 1 last status, got %d", len(lastStatus))
	}

	if lastStatus["dispatcher"].Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", lastStatus["dispatcher"].Status)
	}
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		checks   map[string]HealthCheck
		expected Status
	}{
		{
			name:     "no checks",
			checks:   map[string]HealthCheck{},
			expected: StatusHealthy,
		},
		{
			name: "all healthy",
			checks: map[string]HealthCheck{
				"watcher": func(ctx context.Context) ComponentHealth {
					return ComponentHealth{Status: StatusHealthy}
				},
				"dispatcher": func(ctx context.Context) ComponentHealth {
					return ComponentHealth{Status: StatusHealthy}
				},
			},
			expected: StatusHealthy,
		},
		{
			name: "one degraded",
			checks: map[string]HealthCheck{
				"watcher": func(ctx context.Context) ComponentHealth {
					return ComponentHealth{Status: StatusHealthy}
				},
				"dispatcher": func(ctx context.Context) ComponentHealth {
					return ComponentHealth{Status: StatusDegraded}
				},
			},
			expected: StatusDegraded,
		},
		{
			name: "one unhealthy",
			checks: map[string]HealthCheck{
				"watcher": func(ctx context.Context) ComponentHealth {
					return ComponentHealth{Status: StatusHealthy}
				},
				"dispatcher": func(ctx context.Context) ComponentHealth {
					return ComponentHealth{Status: StatusUnhealthy}
				},
			},
			expected: StatusUnhealthy,
		},
		{
			name: "unhealthy overrides degraded",
			checks: map[string]HealthCheck{
				"watcher": func(ctx context.Context) ComponentHealth {
					return ComponentHealth{Status: StatusDegraded}
				},
				"dispatcher": func(ctx context.Context) ComponentHealth {
					return ComponentHealth{Status: StatusUnhealthy}
				},
			},
			expected: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(5 * time.Second)
			for name, check := range tt.checks {
				c.Register(name, check)
			}

			ctx := context.Background()
			status := c.OverallStatus(ctx)

			if status != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, status)
			}
		})
	}
}

func TestHTTPHandler(t *testing.T) {
	c := NewChecker(5 * time.Second)

	c.Register("watcher", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{
			Status:  StatusHealthy,
			Message: "watching for new files",
		}
	})

	c.Register("sink", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{
			Status:  StatusDegraded,
			Message: "3 consecutive delivery failures",
		}
	})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler := c.HTTPHandler()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response.Status != StatusDegraded {
		t.Errorf("Expected degraded status, got %s", response.Status)
	}

	if len(response.Components) != 2 {
		t.Errorf("Expected 2 components, got %d", len(response.Components))
	}
}

func TestHTTPHandlerUnhealthy(t *testing.T) {
	c := NewChecker(5 * time.Second)

	c.Register("watcher", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{
			Status:  StatusUnhealthy,
			Message: "checkpoint store unwritable",
		}
	})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler := c.HTTPHandler()
	handler(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}

	var response HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
}

func TestLivenessHandler(t *testing.T) {
	c := NewChecker(5 * time.Second)

	req := httptest.NewRequest("GET", "/health/live", nil)
	w := httptest.NewRecorder()

	handler := c.LivenessHandler()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["status"] != "alive" {
		t.Errorf("Expected status 'alive', got %s", response["status"])
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]HealthCheck
		statusCode int
		status     Status
	}{
		{
			name: "ready",
			checks: map[string]HealthCheck{
				"watcher": AlwaysHealthy(),
			},
			statusCode: http.StatusOK,
			status:     StatusHealthy,
		},
		{
			name: "not ready",
			checks: map[string]HealthCheck{
				"watcher": func(ctx context.Context) ComponentHealth {
					return ComponentHealth{Status: StatusUnhealthy}
				},
			},
			statusCode: http.StatusServiceUnavailable,
			status:     StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(5 * time.Second)
			for name, check := range tt.checks {
				c.Register(name, check)
			}

			req := httptest.NewRequest("GET", "/health/ready", nil)
			w := httptest.NewRecorder()

			handler := c.ReadinessHandler()
			handler(w, req)

			if w.Code != tt.statusCode {
				t.Errorf("Expected status %d, got %d", tt.statusCode, w.Code)
			}

			var response map[string]interface{}
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}

			if Status(response["status"].(string)) != tt.status {
				t.Errorf("Expected status %s, got %s", tt.status, response["status"])
			}
		})
	}
}

func TestCheckFunc(t *testing.T) {
	check := CheckFunc(func() (bool, string) {
		return true, "All good"
	})

	result := check(context.Background())

	if result.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", result.Status)
	}

	if result.Message != "All good" {
		t.Errorf("Expected message 'All good', got %s", result.Message)
	}

	check2 := CheckFunc(func() (bool, string) {
		return false, "Something wrong"
	})

	result2 := check2(context.Background())

	if result2.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", result2.Status)
	}
}

func TestWatcherCheck(t *testing.T) {
	var watchErr error
	check := WatcherCheck(func() error { return watchErr }, func() int { return 3 })

	result := check(context.Background())
	if result.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", result.Status)
	}
	if result.Metadata["directories"].(int) != 3 {
		t.Errorf("Expected 3 directories, got %v", result.Metadata["directories"])
	}

	watchErr = errors.New("event stream closed")
	result = check(context.Background())
	if result.Status != StatusDegraded {
		t.Errorf("Expected degraded status after watch failure, got %s", result.Status)
	}
}

func TestDispatcherCheck(t *testing.T) {
	active := []string{"/logs/a/trace.log", "/logs/b/trace.log"}
	var skipped []string
	check := DispatcherCheck(
		func() []string { return active },
		func() []string { return skipped },
	)

	result := check(context.Background())
	if result.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", result.Status)
	}
	if result.Metadata["active"].(int) != 2 {
		t.Errorf("Expected 2 active, got %v", result.Metadata["active"])
	}

	skipped = []string{"/logs/c/trace.log"}
	result = check(context.Background())
	if result.Status != StatusDegraded {
		t.Errorf("Expected degraded status with skipped files, got %s", result.Status)
	}
}

func TestSinkCheck(t *testing.T) {
	tests := []struct {
		failures int64
		expected Status
	}{
		{0, StatusHealthy},
		{1, StatusDegraded},
		{9, StatusDegraded},
		{10, StatusUnhealthy},
		{50, StatusUnhealthy},
	}

	for _, tt := range tests {
		n := tt.failures
		check := SinkCheck("http", func() int64 { return n }, 10)

		result := check(context.Background())
		if result.Status != tt.expected {
			t.Errorf("failures=%d: expected %s, got %s", tt.failures, tt.expected, result.Status)
		}
		if result.Metadata["sink"] != "http" {
			t.Errorf("Expected sink metadata, got %v", result.Metadata["sink"])
		}
	}

	// threshold 0 never reports unhealthy
	check := SinkCheck("http", func() int64 { return 1000 }, 0)
	if status := check(context.Background()).Status; status != StatusDegraded {
		t.Errorf("Expected degraded with no threshold, got %s", status)
	}
}

func TestCheckTimeout(t *testing.T) {
	c := NewChecker(100 * time.Millisecond)

	c.Register("slow", func(ctx context.Context) ComponentHealth {
		select {
		case <-time.After(1 * time.Second):
			return ComponentHealth{Status: StatusHealthy}
		case <-ctx.Done():
			return ComponentHealth{
				Status:  StatusUnhealthy,
				Message: "Check timed out",
			}
		}
	})

	ctx := context.Background()
	results := c.Check(ctx)

	// The check should have timed out
	if results["slow"].Status == StatusHealthy {
		t.Error("Expected check to timeout")
	}
}

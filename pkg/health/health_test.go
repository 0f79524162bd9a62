// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

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

func pass(ctx context.Context) error { return nil }
func fail(ctx context.Context) error { return errors.New("backend unreachable") }

func TestChecker_Health(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]CheckFunc
		want   Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all pass", map[string]CheckFunc{"a": pass, "b": pass}, StatusHealthy},
		{"some fail", map[string]CheckFunc{"a": pass, "b": fail}, StatusDegraded},
		{"all fail", map[string]CheckFunc{"a": fail, "b": fail}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(0)
			for name, fn := range tt.checks {
				c.Register(name, fn)
			}
			status, checks := c.Health(context.Background())
			if status != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, status)
			}
			if len(checks) != len(tt.checks) {
				t.Errorf("Expected %d checks, got %d", len(tt.checks), len(checks))
			}
		})
	}
}

func TestChecker_Cache(t *testing.T) {
	c := NewChecker(time.Hour)
	calls := 0
	c.Register("counted", func(ctx context.Context) error {
		calls++
		return nil
	})

	c.Health(context.Background())
	c.Health(context.Background())

	if calls != 1 {
		t.Errorf("Expected cached result, check ran %d times", calls)
	}
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker(time.Millisecond)
	c.Register("backend", fail)
	c.Register("sessions", pass)

	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when degraded, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	c.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 when degraded, got %d", rec.Code)
	}

	var body struct {
		Status Status  `json:"status"`
		Checks []Check `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Status != StatusDegraded || len(body.Checks) != 2 {
		t.Errorf("Unexpected body %+v", body)
	}
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("Expected body OK, got %q", rec.Body.String())
	}
}

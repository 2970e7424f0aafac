package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/canopyos/updater/internal/clock"
)

// HealthPoller inspects container health via the runtime CLI.
type HealthPoller struct {
	Runner CommandRunner
}

type inspectState struct {
	State struct {
		Status string `json:"Status"`
		Health *struct {
			Status string `json:"Status"`
		} `json:"Health"`
	} `json:"State"`
}

// classify reports whether name is healthy, and if not, whether it is
// still pending (as opposed to flagged unhealthy/exited).
func (h *HealthPoller) classify(ctx context.Context, name string) (healthy, pending bool, err error) {
	raw, err := h.Runner.InspectJSON(ctx, name)
	if err != nil {
		return false, false, err
	}
	var entries []inspectState
	if err := json.Unmarshal(raw, &entries); err != nil {
		return false, false, fmt.Errorf("parse docker inspect output for %s: %w", name, err)
	}
	if len(entries) == 0 {
		return false, false, fmt.Errorf("docker inspect %s returned no entries", name)
	}

	st := entries[0].State
	if st.Health != nil && st.Health.Status != "" {
		switch st.Health.Status {
		case "healthy":
			return true, false, nil
		case "unhealthy":
			return false, false, nil
		default:
			return false, true, nil
		}
	}
	switch st.Status {
	case "running":
		return true, false, nil
	case "exited":
		return false, false, nil
	default:
		return false, true, nil
	}
}

// WaitHealthy polls names every 2s until all pass, deadline elapses, or
// cancelRequested reports true. onReport is invoked at most once every
// 5s with a summary of which containers are still not passing.
func (h *HealthPoller) WaitHealthy(ctx context.Context, clk clock.Clock, names []string, deadline time.Duration, cancelRequested func() bool, onReport func(string)) bool {
	deadlineAt := clk.Now().Add(deadline)
	var lastReport time.Time

	for {
		if cancelRequested != nil && cancelRequested() {
			return false
		}
		if clk.Now().After(deadlineAt) {
			return false
		}

		allPass := true
		var notPassing []string
		for _, name := range names {
			healthy, pending, err := h.classify(ctx, name)
			if err != nil {
				allPass = false
				notPassing = append(notPassing, name)
				continue
			}
			if !healthy {
				allPass = false
				if pending {
					notPassing = append(notPassing, name)
				} else {
					notPassing = append(notPassing, name+" (unhealthy)")
				}
			}
		}
		if allPass {
			return true
		}

		if onReport != nil && clk.Since(lastReport) >= 5*time.Second {
			onReport("waiting for health: " + strings.Join(notPassing, ", "))
			lastReport = clk.Now()
		}

		select {
		case <-clk.After(2 * time.Second):
		case <-ctx.Done():
			return false
		}
	}
}

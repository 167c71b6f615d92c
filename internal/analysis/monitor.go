package analysis

import (
	"context"
	"time"

	"github.com/haasonsaas/argus/internal/behavior"
	"github.com/haasonsaas/argus/internal/observability"
	"github.com/haasonsaas/argus/internal/store"
)

// Monitor periodically completes idle sessions, freezes their behavioral
// signatures and hands the affected agents to the runner.
type Monitor struct {
	store  *store.Store
	runner *Runner
	logger *observability.Logger

	interval time.Duration
	timeout  time.Duration
}

// NewMonitor creates a monitor. interval is the sweep period, timeout
// the inactivity window after which a session counts as complete.
func NewMonitor(st *store.Store, runner *Runner, logger *observability.Logger, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Monitor{
		store:    st,
		runner:   runner,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
	}
}

// Run sweeps until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(); err != nil {
				m.logger.Warn(ctx, "session sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one completion pass: complete idle sessions, freeze a
// signature for each newly completed one, trigger analysis per affected
// agent.
func (m *Monitor) Sweep() error {
	prompts, err := m.store.CheckAndCompleteSessions(m.timeout)
	if err != nil {
		return err
	}

	for _, prompt := range prompts {
		if err := m.freezeSignatures(prompt); err != nil {
			m.logger.Warn(context.Background(), "signature freeze failed",
				"agent_id", prompt, "error", err)
			continue
		}
		m.runner.Trigger(prompt)
	}
	return nil
}

// freezeSignatures computes and persists features plus the MinHash
// signature for every completed session of the agent that lacks one.
func (m *Monitor) freezeSignatures(systemPromptID string) error {
	pending, err := m.store.CompletedSessionsWithoutSignature(systemPromptID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	agent, err := m.store.GetAgent(systemPromptID)
	if err != nil {
		return err
	}

	for _, sess := range pending {
		features := behavior.ExtractFeatures(sess)
		signature := behavior.MinHash(behavior.Shingles(features, agent.CachedPercentiles))
		if err := m.store.SetSessionSignature(sess.SessionID, features, signature); err != nil {
			return err
		}
	}

	m.logger.Debug(context.Background(), "signatures frozen",
		"agent_id", systemPromptID, "sessions", len(pending))
	return nil
}

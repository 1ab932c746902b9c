package supervisor

import (
	"context"
	"fmt"
)

// Digest sends the periodic status summary described in §4.8 point 3:
// queue counts by status, current worker uptime, and cumulative restart
// count, posted through the configured Notifier so an operator watching
// the channel can see the pipeline is alive without checking logs.
func (s *Supervisor) Digest(ctx context.Context) error {
	if s.cfg.Notifier == nil {
		return nil
	}

	counts, err := s.cfg.Store.CountJobsByStatus()
	if err != nil {
		return fmt.Errorf("supervisor: count jobs for digest: %w", err)
	}

	msg := fmt.Sprintf(
		"queue: %d pending, %d processing, %d failed, %d done | worker uptime: %s | restarts: %d",
		counts.Pending, counts.Processing, counts.Failed, counts.Done,
		s.Uptime().Round(1e9), s.RestartCount(),
	)

	if err := s.cfg.Notifier.Notify(ctx, "", msg, "digest"); err != nil {
		s.cfg.Logger.Warn("digest notification failed", "error", err)
	}
	return nil
}

package oauth

import (
	"context"

	"github.com/modelcontextprotocol/inspector-sub002/internal/logger"
	"github.com/modelcontextprotocol/inspector-sub002/internal/sweep"
)

// RegisterRefreshSweep registers a once-a-minute cron job on runner that
// refreshes the token of every flow in flows for which NeedsRefresh
// reports true (token missing or expired).
func RegisterRefreshSweep(runner *sweep.Runner, flows func() []*Flow) error {
	return runner.Every("@every 1m", func() {
		for _, f := range flows() {
			if !f.NeedsRefresh() {
				continue
			}
			if err := f.Refresh(context.Background()); err != nil {
				logger.Default().Warn("oauth: proactive refresh failed", "server", f.serverURL, "error", err)
			}
		}
	})
}

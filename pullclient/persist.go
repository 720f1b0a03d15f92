package pullclient

import (
	"context"
	"time"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/configstore"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/worker"
)

// persistJob is one write to the config store. Jobs run one at a time in
// submission order.
type persistJob struct {
	what  string
	write func(context.Context) error
}

func (c *Client) newWriter() *worker.Pool[persistJob] {
	var opts []worker.Option[persistJob]
	if c.metricsRegistry != nil {
		opts = append(opts, worker.WithMetrics[persistJob](c.metricsRegistry, "persist"))
	}
	return worker.NewPool(1, c.settings.Storage.WriteQueue, c.runPersist, opts...)
}

func (c *Client) runPersist(ctx context.Context, job persistJob) error {
	ctx, cancel := context.WithTimeout(ctx, c.settings.REST.Timeout)
	defer cancel()
	if err := job.write(ctx); err != nil {
		c.metrics.RecordError("configstore", errors.Classify(err).String())
		c.logger.Warn("Failed to persist "+job.what, "error", err)
		return err
	}
	return nil
}

func (c *Client) persist(what string, write func(context.Context) error) {
	if err := c.writer.Submit(persistJob{what: what, write: write}); err != nil {
		c.logger.Warn("Dropped "+what+" write", "error", err)
	}
}

// saveConfig persists cfg in the background.
func (c *Client) saveConfig(cfg *configstore.Config) {
	cfg = cfg.Clone()
	c.persist("config", func(ctx context.Context) error { return c.store.Save(ctx, cfg) })
}

// saveSession persists the cursor and the dedup window in the background.
func (c *Client) saveSession() {
	c.timers.cancel(timerSession)
	sess := c.session.Clone()
	sess.RecentMessageIDs = c.dedup.IDs()
	if sess.MessageID == "" && len(sess.RecentMessageIDs) == 0 {
		return
	}
	c.persist("session", func(ctx context.Context) error { return c.store.SaveSession(ctx, sess) })
}

// persistSocketBlocked stores the blocked flag for ttl; zero clears it.
func (c *Client) persistSocketBlocked(ttl time.Duration) {
	c.persist("socket state", func(ctx context.Context) error {
		if ttl > 0 {
			return c.store.SetSocketBlocked(ctx, ttl)
		}
		return c.store.ClearSocketBlocked(ctx)
	})
}

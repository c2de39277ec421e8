package core

import (
	"context"
	"time"
)

// Housekeeper cadences
const (
	purgeInterval       = time.Minute
	hotnessInterval     = 5 * time.Minute
	maintenanceInterval = 5 * time.Minute
	staleEmbeddingAge   = 7 * 24 * time.Hour
)

// StartHousekeepers launches the periodic background tasks: cache purge and
// invalidation drain every minute, hotness recomputation every five minutes,
// and vector-store maintenance every five minutes. All stop on Shutdown.
func (c *Core) StartHousekeepers() {
	ctx, cancel := context.WithCancel(context.Background())
	c.housekeeperCancel = cancel

	c.housekeeperWG.Add(3)
	go c.runTicker(ctx, purgeInterval, func() {
		purged := c.Cache.Housekeep()
		expired := c.EmbedCache.PurgeExpired()
		if purged > 0 || expired > 0 {
			c.Logger.Debug("Cache purge complete", map[string]interface{}{
				"entries_purged":    purged,
				"embeddings_purged": expired,
			})
		}
	})
	go c.runTicker(ctx, hotnessInterval, func() {
		promoted := c.Cache.PromoteHotKeys(context.Background())
		if promoted > 0 {
			c.Logger.Debug("Hot keys promoted", map[string]interface{}{
				"promoted": promoted,
			})
		}
	})
	go c.runTicker(ctx, maintenanceInterval, func() {
		evicted, removed := c.VectorStore.Maintain(staleEmbeddingAge)
		if evicted > 0 || removed > 0 {
			c.Logger.Debug("Vector store maintenance complete", map[string]interface{}{
				"embeddings_evicted": evicted,
				"clusters_removed":   removed,
			})
		}
	})

	// The audit flusher runs on its own configured interval.
	c.housekeeperWG.Add(1)
	go func() {
		defer c.housekeeperWG.Done()
		c.Audit.Run(ctx)
	}()
}

func (c *Core) runTicker(ctx context.Context, interval time.Duration, task func()) {
	defer c.housekeeperWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			task()
		case <-ctx.Done():
			return
		}
	}
}

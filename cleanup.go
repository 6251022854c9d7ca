package main

import (
	"context"
	"time"
)

// CleanupConfig holds configuration for the snapshot retention job
type CleanupConfig struct {
	Enabled         bool
	RetentionDays   int           // Delete snapshots older than X days (0 = keep forever)
	CheckInterval   time.Duration // How often retention runs
	InitialDelay    time.Duration
	MaxDeletePerRun int
}

// Cleaner removes expired CPK snapshots
type Cleaner struct {
	cfg   CleanupConfig
	store *SnapshotStore
	now   func() time.Time
}

func NewCleaner(cfg CleanupConfig, store *SnapshotStore) *Cleaner {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 24 * time.Hour
	}
	if cfg.MaxDeletePerRun <= 0 {
		cfg.MaxDeletePerRun = 1000
	}
	return &Cleaner{cfg: cfg, store: store, now: time.Now}
}

// Start begins the retention loop
func (c *Cleaner) Start() {
	if !c.cfg.Enabled || c.cfg.RetentionDays <= 0 {
		cleanupLog.Infof("snapshot retention disabled")
		return
	}
	go c.retentionLoop()
	cleanupLog.Infof("snapshot retention started (delete after: %d days, interval: %v)", c.cfg.RetentionDays, c.cfg.CheckInterval)
}

func (c *Cleaner) retentionLoop() {
	time.Sleep(c.cfg.InitialDelay)
	c.runRetention()

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.runRetention()
	}
}

func (c *Cleaner) runRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	deleted, err := c.deleteOld(ctx)
	if err != nil {
		cleanupLog.Warnf("retention failed: %v", err)
		return
	}
	if deleted > 0 {
		cleanupLog.Infof("deleted %d snapshots older than %d days", deleted, c.cfg.RetentionDays)
	} else {
		cleanupLog.Debugf("no snapshots to delete")
	}
}

func (c *Cleaner) cutoff() time.Time {
	return c.now().AddDate(0, 0, -c.cfg.RetentionDays)
}

// deleteOld works in batches so one run never holds the table for long.
func (c *Cleaner) deleteOld(ctx context.Context) (int, error) {
	if c.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := c.cutoff()
	deleted := 0
	for deleted < c.cfg.MaxDeletePerRun {
		batch := c.cfg.MaxDeletePerRun - deleted
		if batch > 200 {
			batch = 200
		}
		n, err := c.store.DeleteOlderThan(ctx, cutoff, batch)
		if err != nil {
			return deleted, err
		}
		deleted += n
		if n < batch {
			return deleted, nil
		}
	}
	cleanupLog.Infof("reached max delete limit (%d), will continue next run", c.cfg.MaxDeletePerRun)
	return deleted, nil
}

// RunNow triggers retention immediately and returns the number of deleted snapshots
func (c *Cleaner) RunNow(ctx context.Context) (int, error) {
	return c.deleteOld(ctx)
}

// GetRetentionStats returns how many snapshots are eligible for deletion and the oldest date
func (c *Cleaner) GetRetentionStats(ctx context.Context) (eligible int, oldestDate string, err error) {
	if c.cfg.RetentionDays <= 0 {
		return 0, "", nil
	}
	n, oldest, err := c.store.CountOlderThan(ctx, c.cutoff())
	if err != nil {
		return 0, "", err
	}
	if !oldest.IsZero() {
		oldestDate = oldest.UTC().Format("2006-01-02")
	}
	return n, oldestDate, nil
}

package dispatch

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-router-resilience/internal/events"
	"github.com/tributary-ai/llm-router-resilience/internal/monitoring"
)

const (
	taskHealthProbe   = "health-probe"
	taskCacheOptimize = "cache-optimize"
	taskStats         = "stats-collection"
	taskPreloadScan   = "preload-scan"
)

func (s *Service) addMaintenanceTasks() error {
	m := s.config.Maintenance
	defaults := DefaultConfig().Maintenance
	if m.HealthInterval <= 0 {
		m.HealthInterval = defaults.HealthInterval
	}
	if m.OptimizeInterval <= 0 {
		m.OptimizeInterval = defaults.OptimizeInterval
	}
	if m.StatsInterval <= 0 {
		m.StatsInterval = defaults.StatsInterval
	}
	if m.PreloadInterval <= 0 {
		m.PreloadInterval = defaults.PreloadInterval
	}

	return errors.Join(
		s.scheduler.Add(taskHealthProbe, m.HealthInterval, s.probeProviders),
		s.scheduler.Add(taskCacheOptimize, m.OptimizeInterval, s.optimizeCache),
		s.scheduler.Add(taskStats, m.StatsInterval, s.collectStats),
		s.scheduler.Add(taskPreloadScan, m.PreloadInterval, s.scanPreload),
	)
}

func (s *Service) probeProviders(ctx context.Context) error {
	results := s.registry.ProbeAll(ctx)

	unhealthy := 0
	for _, status := range results {
		if status.Status == "unhealthy" {
			unhealthy++
		}
	}
	s.logger.WithFields(logrus.Fields{
		"providers": len(results),
		"unhealthy": unhealthy,
	}).Debug("Health probe completed")
	return nil
}

// optimizeCache runs cleanup, TTL extension and eviction in that order
func (s *Service) optimizeCache(ctx context.Context) error {
	if !s.config.Cache.Enabled {
		return nil
	}

	cleaned, err := s.cache.Cleanup(ctx)
	if err != nil {
		return err
	}
	extended, err := s.cache.ExtendPopular(ctx)
	if err != nil {
		return err
	}
	evicted, err := s.cache.Evict(ctx)
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"cleaned":  cleaned,
		"extended": extended,
		"evicted":  evicted,
	}).Debug("Cache optimization completed")
	return nil
}

func (s *Service) collectStats(ctx context.Context) error {
	cs := s.cache.Stats()
	s.aggregator.RecordCacheStats(monitoring.CacheStats{
		Hits:        cs.Hits,
		Misses:      cs.Misses,
		HitRate:     cs.HitRate,
		Entries:     cs.Entries,
		MemoryBytes: cs.MemoryBytes,
	})

	s.bus.Publish(events.CacheStatsUpdated, "", "", map[string]interface{}{
		"hits":         cs.Hits,
		"misses":       cs.Misses,
		"hit_rate":     cs.HitRate,
		"entries":      cs.Entries,
		"memory_bytes": cs.MemoryBytes,
		"evictions":    cs.Evictions,
	})

	s.aggregator.LogSummary()
	return nil
}

func (s *Service) scanPreload(ctx context.Context) error {
	if !s.config.Cache.Enabled {
		return nil
	}

	keys := s.cache.TrackPopularity()
	for _, key := range keys {
		s.bus.Publish(events.CachePreloadNeeded, "", "", map[string]interface{}{"key": key})
	}
	if len(keys) > 0 {
		s.logger.WithField("keys", len(keys)).Info("Popular keys missing from cache")
	}
	return nil
}

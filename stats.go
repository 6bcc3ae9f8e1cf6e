// stats.go
package main

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// StatsRefreshInterval matches the dashboard's polling cadence.
const StatsRefreshInterval = 30 * time.Second

// ActivityEntry is one line of the dashboard's recent-activity list.
type ActivityEntry struct {
	Type   string    `json:"type"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// StatsSnapshot is the serializable dashboard view. RecentActivity
// carries pre-formatted relative timestamps so the client renders it
// directly.
type StatsSnapshot struct {
	TotalAnalyzed  int            `json:"total_analyzed"`
	InfectedCount  int            `json:"infected_count"`
	HealthyCount   int            `json:"healthy_count"`
	InfectedRate   float64        `json:"infected_rate"`
	ModelAccuracy  float64        `json:"model_accuracy"`
	RecentActivity []ActivityView `json:"recent_activity"`
}

// ActivityView is an ActivityEntry formatted for display.
type ActivityView struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// DashboardStats holds the running counters and the activity ring.
// Everything here is in-memory, reset on restart, and advisory only;
// the durable record of analyses lives in AnalysisRecord rows.
type DashboardStats struct {
	mu       sync.Mutex
	total    int
	infected int
	healthy  int
	recent   []ActivityEntry
}

// NewDashboardStats creates an empty stats tracker.
func NewDashboardStats() *DashboardStats {
	return &DashboardStats{}
}

// RecordAnalysis folds one completed analysis into the counters and
// prepends an activity entry, keeping only the most recent entries.
func (s *DashboardStats) RecordAnalysis(positive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	entry := ActivityEntry{At: time.Now().UTC()}
	if positive {
		s.infected++
		entry.Type = "Image analysée - Infectée"
		entry.Status = ActivityStatusWarning
	} else {
		s.healthy++
		entry.Type = "Image analysée - Saine"
		entry.Status = ActivityStatusSuccess
	}

	s.recent = append([]ActivityEntry{entry}, s.recent...)
	if len(s.recent) > RecentActivityLimit {
		s.recent = s.recent[:RecentActivityLimit]
	}
}

// Snapshot returns a display-ready copy of the current stats.
func (s *DashboardStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		TotalAnalyzed: s.total,
		InfectedCount: s.infected,
		HealthyCount:  s.healthy,
		ModelAccuracy: ModelAccuracyPercent,
	}
	if s.total > 0 {
		snap.InfectedRate = float64(s.infected) / float64(s.total) * 100
	}

	now := time.Now().UTC()
	snap.RecentActivity = make([]ActivityView, len(s.recent))
	for i, entry := range s.recent {
		snap.RecentActivity[i] = ActivityView{
			Type:      entry.Type,
			Status:    entry.Status,
			Timestamp: relativeTime(now.Sub(entry.At)),
		}
	}
	return snap
}

// relativeTime renders a duration the way the dashboard shows activity
// ages.
func relativeTime(elapsed time.Duration) string {
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		return fmt.Sprintf("%d min ago", int(elapsed.Minutes()))
	default:
		return fmt.Sprintf("%.1f hours ago", elapsed.Hours())
	}
}

// StartStatsRefresher periodically pushes a stats snapshot to feed
// subscribers, mirroring the dashboard's polling interval. The returned
// stop function tears the ticker down; it must be called on shutdown.
func StartStatsRefresher(stats *DashboardStats, feed *ActivityFeed) func() {
	ticker := time.NewTicker(StatsRefreshInterval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				snap := stats.Snapshot()
				feed.PublishStats(snap)
				log.Printf("Dashboard stats - analyzed: %d, infected: %d, healthy: %d",
					snap.TotalAnalyzed, snap.InfectedCount, snap.HealthyCount)
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}

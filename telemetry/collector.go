package telemetry

import (
	"sync"
	"time"
)

// TenantStatsProvider is implemented by a tenant's ChannelHub to expose
// point-in-time counts for periodic gauge collection.
type TenantStatsProvider interface {
	GetChannelStats() (topics, subscriptions, presenceEntries int)
}

// TenantLister enumerates the tenants currently active on this node.
type TenantLister interface {
	ListTenants() []string
	GetTenant(id string) TenantStatsProvider
}

// MetricsCollector periodically sweeps all active tenants and updates the
// node-wide ChannelHub gauges from their point-in-time stats.
type MetricsCollector struct {
	lister   TenantLister
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(lister TenantLister, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		lister:   lister,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.lister == nil {
		return
	}

	var totalTopics, totalSubs, totalPresence int

	for _, tenantID := range mc.lister.ListTenants() {
		provider := mc.lister.GetTenant(tenantID)
		if provider == nil {
			continue
		}

		topics, subs, presence := provider.GetChannelStats()
		totalTopics += topics
		totalSubs += subs
		totalPresence += presence
	}

	TopicsActive.Set(float64(totalTopics))
	SubscriptionsActive.Set(float64(totalSubs))
	PresenceEntriesActive.Set(float64(totalPresence))
}

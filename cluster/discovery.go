package cluster

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultDiscoveryInterval is how often DNSDiscovery re-resolves the
// configured hostname.
const DefaultDiscoveryInterval = 5 * time.Second

// DNSDiscovery periodically resolves a headless-service-style DNS name
// (one A/AAAA record per pod) into a set of peer addresses, feeding every
// resolved address into the join protocol on each poll (addresses already
// seen on an earlier poll are passed again). It's a fallback for environments
// without their own NATS-based discovery already in place — most peers
// are found through gossip alone once any one peer has joined.
type DNSDiscovery struct {
	host     string
	resolver *net.Resolver
	onPeer   func(addr string)
}

// NewDNSDiscovery creates a discovery loop for the given hostname.
// A nil/empty host disables discovery; Start becomes a no-op.
func NewDNSDiscovery(host string, onPeer func(addr string)) *DNSDiscovery {
	return &DNSDiscovery{
		host:     host,
		resolver: net.DefaultResolver,
		onPeer:   onPeer,
	}
}

// Start runs the poll loop until ctx is cancelled.
func (d *DNSDiscovery) Start(ctx context.Context, interval time.Duration) {
	if d.host == "" {
		return
	}
	if interval <= 0 {
		interval = DefaultDiscoveryInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.poll(ctx)
	for {
		select {
		case <-ticker.C:
			d.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (d *DNSDiscovery) poll(ctx context.Context) {
	lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	ips, err := d.resolver.LookupIPAddr(lookupCtx, d.host)
	if err != nil {
		log.Debug().Err(err).Str("host", d.host).Msg("cluster: DNS discovery lookup failed")
		return
	}

	for _, ip := range ips {
		if d.onPeer != nil {
			d.onPeer(ip.String())
		}
	}
}

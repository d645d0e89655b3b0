package main

import (
	"context"
	"fmt"
	net1 "net"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/net"

	"github.com/zerolethanh/sysutil/internal/procs"
)

// dnsCache maps remote IPs to host names. Lookups run on a single background
// goroutine fed by a bounded queue; a full queue drops the request and the IP is
// shown as is.
type dnsCache struct {
	mu    sync.RWMutex
	m     map[string]string
	queue chan string
}

func newDNSCache() *dnsCache {
	return &dnsCache{
		m:     make(map[string]string),
		queue: make(chan string, 256),
	}
}

// run performs reverse lookups until ctx is done.
func (c *dnsCache) run(ctx context.Context) {
	var resolver net1.Resolver
	for {
		select {
		case <-ctx.Done():
			return
		case ip := <-c.queue:
			lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			names, err := resolver.LookupAddr(lookupCtx, ip)
			cancel()

			name := ip
			if err == nil && len(names) > 0 {
				name = strings.TrimSuffix(names[0], ".")
			}

			c.mu.Lock()
			c.m[ip] = name
			c.mu.Unlock()
		}
	}
}

// lookup returns the cached name for ip, queueing a lookup on a miss.
func (c *dnsCache) lookup(ip string) string {
	c.mu.RLock()
	name, found := c.m[ip]
	c.mu.RUnlock()
	if found {
		return name
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.m[ip]; !exists {
		c.m[ip] = ip // placeholder until resolved
		select {
		case c.queue <- ip:
		default:
		}
	}
	return ip
}

// readNetCounters returns the current total bytes received and sent.
func readNetCounters(ctx context.Context) (netCounters, error) {
	stats, err := net.IOCountersWithContext(ctx, false)
	if err != nil || len(stats) == 0 {
		return netCounters{}, err
	}
	return netCounters{recv: stats[0].BytesRecv, sent: stats[0].BytesSent}, nil
}

// kbPerSec is the rate between two counter readings. A counter that went
// backwards (interface reset or wrap) reads as zero.
func kbPerSec(prev, cur uint64, secs float64) float64 {
	if cur < prev || secs <= 0 {
		return 0
	}
	return float64(cur-prev) / 1024 / secs
}

// fetchSample collects system, network, process and connection data. prev is
// updated with the latest byte counters.
func fetchSample(ctx context.Context, dns *dnsCache, prev *netCounters, interval time.Duration) (sample, error) {
	var s sample

	stats, err := procs.SystemStats(ctx)
	if err != nil {
		return s, fmt.Errorf("system stats: %w", err)
	}
	s.stats = stats

	if cur, err := readNetCounters(ctx); err == nil && cur.recv > 0 {
		secs := interval.Seconds()
		if prev.recv > 0 && secs > 0 {
			s.dlSpeed = kbPerSec(prev.recv, cur.recv, secs)
			s.ulSpeed = kbPerSec(prev.sent, cur.sent, secs)
		}
		*prev = cur
	}

	all, err := procs.Snapshot(ctx)
	if err != nil {
		return s, fmt.Errorf("process snapshot: %w", err)
	}

	pidToName := make(map[int32]string, len(all))
	for _, p := range all {
		pidToName[p.PID] = p.Name
		if p.MemoryPercent > 0.1 || p.CPUPercent > 0.1 {
			s.procList = append(s.procList, p)
			s.totalProcCPU += p.CPUPercent
		}
	}
	procs.SortByMemory(s.procList)

	conns, err := procs.Connections(ctx, pidToName)
	if err == nil {
		s.connList = connRows(conns, dns)
	}
	return s, nil
}

func connRows(conns []procs.ConnInfo, dns *dnsCache) []ConnRow {
	rows := make([]ConnRow, 0, len(conns))
	for _, c := range conns {
		rows = append(rows, ConnRow{
			PID:         c.PID,
			ProcessName: c.ProcessName,
			LocalAddr:   c.LocalAddr,
			RemoteAddr:  net1.JoinHostPort(dns.lookup(c.RemoteIP), fmt.Sprint(c.RemotePort)),
			RemoteIP:    c.RemoteIP,
			Status:      c.Status,
		})
	}
	return rows
}

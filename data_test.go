package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/zerolethanh/sysutil/internal/procs"
)

func TestDNSCacheLookupQueuesOnce(t *testing.T) {
	c := newDNSCache()

	assert.Equal(t, "192.0.2.1", c.lookup("192.0.2.1"))
	assert.Equal(t, "192.0.2.1", c.lookup("192.0.2.1"))
	assert.Len(t, c.queue, 1)

	c.mu.Lock()
	c.m["192.0.2.1"] = "example.test"
	c.mu.Unlock()
	assert.Equal(t, "example.test", c.lookup("192.0.2.1"))
}

func TestDNSCacheFullQueueDrops(t *testing.T) {
	c := newDNSCache()
	c.queue = make(chan string, 1)

	c.lookup("192.0.2.1")
	c.lookup("192.0.2.2")
	assert.Len(t, c.queue, 1)
	assert.Equal(t, "192.0.2.2", c.lookup("192.0.2.2"))
}

func TestConnRows(t *testing.T) {
	c := newDNSCache()
	c.m["192.0.2.7"] = "host.example.test"

	conns := []procs.ConnInfo{
		{PID: 42, ProcessName: "curl", LocalAddr: "10.0.0.2:50000", RemoteIP: "192.0.2.7", RemotePort: 443, Status: "ESTABLISHED"},
		{PID: 43, ProcessName: "ssh", LocalAddr: "[::1]:50001", RemoteIP: "2001:db8::1", RemotePort: 22, Status: "ESTABLISHED"},
	}

	want := []ConnRow{
		{PID: 42, ProcessName: "curl", LocalAddr: "10.0.0.2:50000", RemoteAddr: "host.example.test:443", RemoteIP: "192.0.2.7", Status: "ESTABLISHED"},
		{PID: 43, ProcessName: "ssh", LocalAddr: "[::1]:50001", RemoteAddr: "[2001:db8::1]:22", RemoteIP: "2001:db8::1", Status: "ESTABLISHED"},
	}
	if diff := cmp.Diff(want, connRows(conns, c)); diff != "" {
		t.Errorf("connRows mismatch (-want +got):\n%s", diff)
	}
}

func TestKBPerSec(t *testing.T) {
	assert.Equal(t, 2.0, kbPerSec(1024, 5*1024, 2))
	assert.Zero(t, kbPerSec(5*1024, 5*1024, 2))
	assert.Zero(t, kbPerSec(1<<40, 100, 2), "counter reset must not wrap")
	assert.Zero(t, kbPerSec(0, 1024, 0))
}

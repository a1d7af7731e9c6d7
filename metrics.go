// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package shareproto

import "expvar"

// endpointMetrics records per-Endpoint activity counters, exported through
// [Endpoint.Metrics]. Metrics are per-instance rather than one shared
// package-global: tests construct many short-lived Endpoints, and a shared
// global would let one test's traffic pollute another's assertions.
type endpointMetrics struct {
	packetRecv    expvar.Int
	packetSent    expvar.Int
	packetDropped expvar.Int

	callOut     expvar.Int // outbound accessor requests initiated
	callOutErr  expvar.Int
	callPending expvar.Int // outbound requests awaiting a reply

	callIn     expvar.Int // inbound accessor requests received
	callInErr  expvar.Int
	callActive expvar.Int // inbound invocations currently executing

	unreliableSent expvar.Int
	unreliableRecv expvar.Int
	unreliableDrop expvar.Int

	objectsHeld    expvar.Int
	proxiesLive    expvar.Int
	releasesSent   expvar.Int
	releasesRecv   expvar.Int
	overflowFaults expvar.Int

	emap *expvar.Map
}

func newEndpointMetrics() *endpointMetrics {
	m := &endpointMetrics{emap: new(expvar.Map)}
	m.emap.Set("packets_received", &m.packetRecv)
	m.emap.Set("packets_sent", &m.packetSent)
	m.emap.Set("packets_dropped", &m.packetDropped)
	m.emap.Set("calls_out", &m.callOut)
	m.emap.Set("calls_out_failed", &m.callOutErr)
	m.emap.Set("calls_pending", &m.callPending)
	m.emap.Set("calls_in", &m.callIn)
	m.emap.Set("calls_in_failed", &m.callInErr)
	m.emap.Set("calls_active", &m.callActive)
	m.emap.Set("unreliable_sent", &m.unreliableSent)
	m.emap.Set("unreliable_received", &m.unreliableRecv)
	m.emap.Set("unreliable_dropped", &m.unreliableDrop)
	m.emap.Set("objects_held", &m.objectsHeld)
	m.emap.Set("proxies_live", &m.proxiesLive)
	m.emap.Set("releases_sent", &m.releasesSent)
	m.emap.Set("releases_received", &m.releasesRecv)
	m.emap.Set("overflow_faults", &m.overflowFaults)
	return m
}

// Snapshot returns the current value of every counter, keyed by the same
// names exposed through the expvar map, for adapters that want a point-in-
// time view (e.g. metrics/prom.go) without holding onto expvar internals.
func (m *endpointMetrics) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	m.emap.Do(func(kv expvar.KeyValue) {
		if iv, ok := kv.Value.(*expvar.Int); ok {
			out[kv.Key] = iv.Value()
		}
	})
	return out
}

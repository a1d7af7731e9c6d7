// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package shareproto

// releaseDead is invoked (via proxyTable.install's onDead callback, in turn
// triggered by runtime.AddCleanup once a proxy becomes unreachable) after
// the garbage collector reclaims a proxy for id. It reads the entry's final
// inbound count, removes it from the table, and credits the owner with a
// Release message (§4.6).
//
// AddCleanup callbacks run on their own goroutine outside any lock the
// Endpoint already holds, so this is a normal entry point, not a reentrant
// one.
func (ep *Endpoint) releaseDead(id ObjectID) {
	ep.mu.Lock()
	if ep.proxies == nil {
		ep.mu.Unlock()
		return // already disconnected; nothing to release
	}
	inbound, ok := ep.proxies.remove(id)
	if ok {
		ep.metrics.proxiesLive.Set(int64(ep.proxies.len()))
	}
	ep.mu.Unlock()
	if !ok || inbound <= 0 {
		return
	}

	msg := &releaseMsg{Target: id, Count: uint32(inbound)}
	pkt := &Packet{Kind: kindRelease, Payload: msg.encode()}
	if err := ep.sendOut(pkt); err != nil {
		ep.reportNetworkError(err)
		return
	}
	ep.metrics.releasesSent.Add(1)
}

// handleRelease applies an inbound Release message to the held-object table
// (§4.6). A fault (the peer credited more than it owed) is a protocol
// violation and is treated the same way a decode error is: fatal to the
// connection.
func (ep *Endpoint) handleRelease(msg *releaseMsg) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.held == nil {
		return nil
	}
	ep.metrics.releasesRecv.Add(1)
	if fault := ep.held.credit(msg.Target, msg.Count); fault {
		return &protocolFaultError{target: msg.Target}
	}
	ep.metrics.objectsHeld.Set(int64(ep.held.len()))
	return nil
}

func (ep *Endpoint) reportNetworkError(err error) {
	ep.mu.Lock()
	cb := ep.onNetworkError
	logger := ep.logger
	ep.mu.Unlock()
	if cb != nil {
		cb(err)
	}
	if logger != nil {
		logger.Warn().Err(err).Msg("network error")
	}
}

type protocolFaultError struct{ target ObjectID }

func (e *protocolFaultError) Error() string {
	return "protocol fault: release count exceeds outstanding send-count for " + e.target.String()
}

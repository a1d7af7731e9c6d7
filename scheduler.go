// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package shareproto

import "github.com/creachadair/taskgroup"

// RemoteTaskScheduler runs the user-visible work of an Endpoint: reply
// completions and inbound invocation bodies (§5). The guarantee the core
// depends on is that arbitrary user code never runs on the reader goroutine;
// a RemoteTaskScheduler is how that guarantee is kept.
//
// The scheduler every Endpoint installs when it starts runs each task in its
// own goroutine tracked by the Endpoint's internal task group, with no limit
// on how many run at once, so that [Endpoint.Wait] blocks until every
// scheduled task has finished.
type RemoteTaskScheduler interface {
	// Run arranges for fn to execute, returning immediately without waiting
	// for fn to complete.
	Run(fn func())
}

// groupScheduler is the default RemoteTaskScheduler, backed by a
// *taskgroup.Group so the owning Endpoint can join every scheduled task at
// Wait time.
type groupScheduler struct{ g *taskgroup.Group }

func (s groupScheduler) Run(fn func()) {
	s.g.Go(func() error {
		fn()
		return nil
	})
}

// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package catalog assigns and looks up the small integer member ids a
// [shareproto.Descriptor] uses to name a type's methods, properties, and
// indexers. Unlike Go struct fields, Go methods cannot carry tags, so a
// [reflectbind] binder needs some other place to keep the name-to-id
// mapping; a Catalog is that place, with the method, property, and indexer
// namespaces kept separate since the wire never confuses one accessor kind
// for another.
package catalog

import (
	"fmt"
	"sort"
	"sync"
)

// Kind distinguishes the three accessor namespaces a Catalog tracks.
type Kind byte

const (
	Method Kind = iota
	Property
	Indexer
)

func (k Kind) String() string {
	switch k {
	case Method:
		return "method"
	case Property:
		return "property"
	case Indexer:
		return "indexer"
	default:
		return fmt.Sprintf("kind:%d", byte(k))
	}
}

// A Catalog maps member names to numeric ids within one declared shareable
// type, one namespace per [Kind]. IDs are assigned the first time a name is
// added and never change thereafter, so they remain stable for the life of
// the process. Add assigns ids in the order it is called, so a later run that
// adds the same members in a different order gets different ids — callers
// that need ids to survive across processes should pin them explicitly with
// Set instead of relying on Add's assignment order.
type Catalog struct {
	mu    sync.Mutex
	byID  [3]map[uint32]string
	byName [3]map[string]uint32
	next  [3]uint32
}

// New constructs an empty Catalog.
func New() *Catalog {
	c := &Catalog{}
	for k := range c.byID {
		c.byID[k] = make(map[uint32]string)
		c.byName[k] = make(map[string]uint32)
	}
	return c
}

// Add assigns the next unused id in kind's namespace to name and returns it.
// It is a no-op returning the existing id if name is already present.
func (c *Catalog) Add(kind Kind, name string) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.byName[kind][name]; ok {
		return id
	}
	id := c.pickUnusedID(kind)
	c.byID[kind][id] = name
	c.byName[kind][name] = id
	return id
}

// Set pins name to the explicit id in kind's namespace, for callers that
// need ids stable across restarts (e.g. id tags on a struct's methods,
// tracked out of band since Go method declarations cannot carry tags
// themselves). It reports an error if id or name is already assigned to a
// different name or id within kind.
func (c *Catalog) Set(kind Kind, id uint32, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if have, ok := c.byID[kind][id]; ok && have != name {
		return fmt.Errorf("catalog: %v id %d already assigned to %q", kind, id, have)
	}
	if have, ok := c.byName[kind][name]; ok && have != id {
		return fmt.Errorf("catalog: %v name %q already assigned id %d", kind, name, have)
	}
	c.byID[kind][id] = name
	c.byName[kind][name] = id
	if id >= c.next[kind] {
		c.next[kind] = id + 1
	}
	return nil
}

// pickUnusedID returns the first id not yet used in kind's namespace at or
// above kind's counter, and advances the counter past it. Ids below the
// counter are not reconsidered, so a gap left below an id pinned with Set
// stays unused.
// Caller must hold c.mu.
func (c *Catalog) pickUnusedID(kind Kind) uint32 {
	for {
		id := c.next[kind]
		c.next[kind]++
		if _, ok := c.byID[kind][id]; !ok {
			return id
		}
	}
}

// ID reports the id assigned to name in kind's namespace, if any.
func (c *Catalog) ID(kind Kind, name string) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byName[kind][name]
	return id, ok
}

// Name reports the name assigned to id in kind's namespace, if any.
func (c *Catalog) Name(kind Kind, id uint32) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.byID[kind][id]
	return name, ok
}

// Names returns the names registered in kind's namespace in ascending id
// order.
func (c *Catalog) Names(kind Kind) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint32, 0, len(c.byID[kind]))
	for id := range c.byID[kind] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = c.byID[kind][id]
	}
	return out
}

// Len reports how many names are registered in kind's namespace.
func (c *Catalog) Len(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID[kind])
}

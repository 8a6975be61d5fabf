// Package clusterstate models the narrow, read-only view of cluster state
// the core consumes (spec.md §6): resolving an index by name and reading
// its current settings.
package clusterstate

import (
	"context"
	"sync"
)

// IndexMetaData is the subset of an index's cluster-state entry the core
// needs: whether it exists, its uuid, and its current settings.
type IndexMetaData struct {
	Name     string
	UUID     string
	Settings map[string]string
}

// Reader exposes a read-only snapshot of cluster state.
type Reader interface {
	// Index returns the index's metadata, or ok=false if it does not exist
	// (spec.md §4.F step 1: "index was deleted; nothing to do").
	Index(name string) (IndexMetaData, bool)
}

// InMemoryClusterState is a test/reference Reader backed by a map; in
// production this is populated from the search cluster's real cluster-state
// snapshot, which is out of scope for the core (spec.md §1).
type InMemoryClusterState struct {
	mu      sync.RWMutex
	indices map[string]IndexMetaData
}

// NewInMemoryClusterState creates an empty cluster state.
func NewInMemoryClusterState() *InMemoryClusterState {
	return &InMemoryClusterState{indices: make(map[string]IndexMetaData)}
}

// PutIndex installs or replaces an index's metadata.
func (c *InMemoryClusterState) PutIndex(meta IndexMetaData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if meta.Settings == nil {
		meta.Settings = make(map[string]string)
	}
	c.indices[meta.Name] = meta
}

// RemoveIndex models index deletion.
func (c *InMemoryClusterState) RemoveIndex(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.indices, name)
}

func (c *InMemoryClusterState) Index(name string) (IndexMetaData, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta, ok := c.indices[name]
	return meta, ok
}

// SettingsWriter adapts an InMemoryClusterState into the narrow
// step.ClusterSettingsWriter contract the ISM and rollup runners need. It
// exists because the real cluster-state feed and its settings-update API
// are out of scope for this repo (spec.md §1); this is the reference
// implementation exercised by both control loops.
type SettingsWriter struct {
	Cluster *InMemoryClusterState
}

// SetIndexSetting implements step.ClusterSettingsWriter.
func (w SettingsWriter) SetIndexSetting(_ context.Context, indexName, key, value string) error {
	meta, ok := w.Cluster.Index(indexName)
	if !ok {
		meta = IndexMetaData{Name: indexName}
	}
	if meta.Settings == nil {
		meta.Settings = make(map[string]string)
	}
	meta.Settings[key] = value
	w.Cluster.PutIndex(meta)
	return nil
}

// DeleteIndex implements step.ClusterSettingsWriter.
func (w SettingsWriter) DeleteIndex(_ context.Context, indexName string) error {
	w.Cluster.RemoveIndex(indexName)
	return nil
}

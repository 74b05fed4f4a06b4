// Package registry holds the configured federation peers.
package registry

import (
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/mme-matchmaker/internal/domain"
)

type snapshot struct {
	local domain.Node
	nodes []domain.Node // enabled remote peers sorted by id
}

// Registry serves immutable snapshots of the node list. Update swaps the
// snapshot atomically; callers holding an older list keep using it.
type Registry struct {
	current atomic.Pointer[snapshot]
	log     *logrus.Logger
}

// New creates a registry from the federation settings
func New(cfg domain.FederationConfig, logger *logrus.Logger) *Registry {
	r := &Registry{log: logger}
	r.Update(cfg)
	return r
}

// Update replaces the node list
func (r *Registry) Update(cfg domain.FederationConfig) {
	label := cfg.LocalNodeLabel
	if label == "" {
		label = cfg.LocalNodeID
	}
	s := &snapshot{
		local: domain.Node{ID: cfg.LocalNodeID, Label: label, Enabled: true, IsLocal: true},
	}
	for _, n := range cfg.Nodes {
		if !n.Enabled || n.ID == cfg.LocalNodeID {
			continue
		}
		n.IsLocal = false
		if n.Label == "" {
			n.Label = n.ID
		}
		s.nodes = append(s.nodes, n)
	}
	sort.Slice(s.nodes, func(i, j int) bool { return s.nodes[i].ID < s.nodes[j].ID })

	previous := r.current.Swap(s)
	fields := logrus.Fields{"active_nodes": len(s.nodes), "local_node": s.local.ID}
	if previous != nil {
		fields["previous_nodes"] = len(previous.nodes)
	}
	r.log.WithFields(fields).Info("Node registry updated")
}

// ListActiveNodes returns the enabled remote peers sorted by id
func (r *Registry) ListActiveNodes() []domain.Node {
	s := r.current.Load()
	out := make([]domain.Node, len(s.nodes))
	copy(out, s.nodes)
	return out
}

// LocalNode returns the pseudo-node that tags internal results
func (r *Registry) LocalNode() domain.Node {
	return r.current.Load().local
}

// Node looks up an active peer by id
func (r *Registry) Node(id string) (domain.Node, bool) {
	for _, n := range r.current.Load().nodes {
		if n.ID == id {
			return n, true
		}
	}
	return domain.Node{}, false
}

// Follow keeps the registry in sync with configuration reloads
func (r *Registry) Follow(cm domain.ConfigManager) {
	cm.Watch(func(cfg *domain.Config) {
		r.Update(cfg.Federation)
	})
}

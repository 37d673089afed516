// Package authz defines the authorization oracle the control plane consults
// before an operation reaches a tenant-owned resource. The policy engine
// itself is an external system; this package carries only the consumed
// interface plus an embedded default for single-operator deployments.
package authz

import "sync"

// Oracle answers permission checks and maintains subject/resource
// relationships.
type Oracle interface {
	CheckPermission(subject, permission, resource, resourceID string) bool
	WriteRelationship(subject, relation, resource, resourceID string) error
	DeleteRelationship(subject, relation, resource, resourceID string) error
}

// AllowAll grants every permission. It is the embedded default when no
// external oracle is configured.
type AllowAll struct{}

func (AllowAll) CheckPermission(subject, permission, resource, resourceID string) bool { return true }
func (AllowAll) WriteRelationship(subject, relation, resource, resourceID string) error {
	return nil
}
func (AllowAll) DeleteRelationship(subject, relation, resource, resourceID string) error {
	return nil
}

// Memory is an in-memory oracle: a subject holding any relationship on a
// resource is granted every permission on it. Used in tests.
type Memory struct {
	mu   sync.RWMutex
	rels map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{rels: make(map[string]struct{})}
}

func key(subject, resource, resourceID string) string {
	return subject + "|" + resource + "|" + resourceID
}

func (m *Memory) CheckPermission(subject, permission, resource, resourceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rels[key(subject, resource, resourceID)]
	return ok
}

func (m *Memory) WriteRelationship(subject, relation, resource, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rels[key(subject, resource, resourceID)] = struct{}{}
	return nil
}

func (m *Memory) DeleteRelationship(subject, relation, resource, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rels, key(subject, resource, resourceID))
	return nil
}

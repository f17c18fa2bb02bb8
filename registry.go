package ledgersync

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Registry resolves account identities to replica stores. Each account maps
// to exactly one replica file under the data directory, created lazily on
// first access and reused afterwards. Opens for distinct accounts proceed in
// parallel; opens for the same account are collapsed into one.
type Registry struct {
	dir string

	mu       sync.RWMutex
	replicas map[uuid.UUID]*Replica
	opening  singleflight.Group
}

// NewRegistry creates a registry rooted at dir.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:      dir,
		replicas: make(map[uuid.UUID]*Replica),
	}
}

// Open returns the replica for the given account, creating it on first use.
func (g *Registry) Open(accountID uuid.UUID) (*Replica, error) {
	g.mu.RLock()
	rep, ok := g.replicas[accountID]
	g.mu.RUnlock()
	if ok {
		return rep, nil
	}

	v, err, _ := g.opening.Do(accountID.String(), func() (any, error) {
		g.mu.RLock()
		rep, ok := g.replicas[accountID]
		g.mu.RUnlock()
		if ok {
			return rep, nil
		}

		rep, err := OpenReplica(filepath.Join(g.dir, accountID.String()+".db"))
		if err != nil {
			return nil, fmt.Errorf("open replica for %s: %w", accountID, err)
		}

		g.mu.Lock()
		g.replicas[accountID] = rep
		g.mu.Unlock()
		return rep, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Replica), nil
}

// Close closes every open replica. The registry must not be used afterwards.
func (g *Registry) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	for id, rep := range g.replicas {
		if err := rep.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(g.replicas, id)
	}
	return firstErr
}

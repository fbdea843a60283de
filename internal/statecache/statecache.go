// Package statecache persists a per-tunnel snapshot so the inventory of
// overlay peers survives a daemon restart. The store is a small pebble
// database fronted by an LRU read cache; the link manager writes through on
// every descriptor or state change and deletes on tunnel removal.
package statecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultCacheSize bounds the LRU read cache.
	DefaultCacheSize = 512

	dirName = "statecache"
)

// ErrClosed is returned for operations on a closed store.
var ErrClosed = errors.New("statecache closed")

// Snapshot is one tunnel's persisted record, keyed by (overlay, peer).
type Snapshot struct {
	OverlayID string    `json:"overlay_id"`
	PeerID    string    `json:"peer_id"`
	TunnelID  string    `json:"tunnel_id"`
	State     string    `json:"state"`
	TapName   string    `json:"tap_name,omitempty"`
	MAC       string    `json:"mac,omitempty"`
	PeerMAC   string    `json:"peer_mac,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the pebble-backed snapshot store.
type Store struct {
	mu    sync.Mutex
	db    *pebble.DB
	cache *lru.Cache[string, Snapshot]
	open  bool
}

// Open creates or opens the store under dataDir.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, dirName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create statecache dir: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open statecache at %s: %w", path, err)
	}
	cache, err := lru.New[string, Snapshot](DefaultCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, cache: cache, open: true}, nil
}

func key(overlayID, peerID string) string {
	return overlayID + "/" + peerID
}

// Put stores or replaces the snapshot for its (overlay, peer) pair.
func (s *Store) Put(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrClosed
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	k := key(snap.OverlayID, snap.PeerID)
	if err := s.db.Set([]byte(k), data, pebble.Sync); err != nil {
		return err
	}
	s.cache.Add(k, snap)
	return nil
}

// Get returns the snapshot for a pair if one is stored.
func (s *Store) Get(overlayID, peerID string) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return Snapshot{}, false, ErrClosed
	}
	k := key(overlayID, peerID)
	if snap, ok := s.cache.Get(k); ok {
		return snap, true, nil
	}
	data, closer, err := s.db.Get([]byte(k))
	if errors.Is(err, pebble.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	defer closer.Close()
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, err
	}
	s.cache.Add(k, snap)
	return snap, true, nil
}

// Delete removes a pair's snapshot. Unknown pairs are a no-op.
func (s *Store) Delete(overlayID, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrClosed
	}
	k := key(overlayID, peerID)
	s.cache.Remove(k)
	return s.db.Delete([]byte(k), pebble.Sync)
}

// List returns every stored snapshot, optionally filtered to one overlay.
func (s *Store) List(overlayID string) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, ErrClosed
	}
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var snaps []Snapshot
	for iter.First(); iter.Valid(); iter.Next() {
		if overlayID != "" && !strings.HasPrefix(string(iter.Key()), overlayID+"/") {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(iter.Value(), &snap); err != nil {
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, iter.Error()
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	s.cache.Purge()
	return s.db.Close()
}

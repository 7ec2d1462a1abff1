package server

import (
	"sort"
	"sync"
)

// Peer is one live client connection.
type Peer interface {
	ID() string
	Send(message ServerMessage) error
}

// ConnectionRegistry tracks which connections belong to which user so that
// changes can be fanned out to a user's other sessions.
type ConnectionRegistry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Peer
	userOf map[string]string
}

// NewConnectionRegistry constructs an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		byUser: make(map[string]map[string]Peer),
		userOf: make(map[string]string),
	}
}

// Register associates a connection with a user.
func (r *ConnectionRegistry) Register(peer Peer, userID string) {
	if peer == nil || userID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if previous, ok := r.userOf[peer.ID()]; ok {
		r.removeLocked(peer.ID(), previous)
	}
	if _, ok := r.byUser[userID]; !ok {
		r.byUser[userID] = make(map[string]Peer)
	}
	r.byUser[userID][peer.ID()] = peer
	r.userOf[peer.ID()] = userID
	activeConnections.Inc()
}

// Unregister forgets a connection. A user whose last connection closes is removed entirely.
func (r *ConnectionRegistry) Unregister(peer Peer) {
	if peer == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.userOf[peer.ID()]
	if !ok {
		return
	}
	r.removeLocked(peer.ID(), userID)
}

// ConnectionsFor lists the live connections of a user ordered by connection id.
func (r *ConnectionRegistry) ConnectionsFor(userID string) []Peer {
	r.mu.RLock()
	peers := r.byUser[userID]
	if len(peers) == 0 {
		r.mu.RUnlock()
		return nil
	}
	copies := make([]Peer, 0, len(peers))
	for _, peer := range peers {
		copies = append(copies, peer)
	}
	r.mu.RUnlock()
	sort.Slice(copies, func(i, j int) bool {
		return copies[i].ID() < copies[j].ID()
	})
	return copies
}

// UserCount reports how many users hold at least one connection.
func (r *ConnectionRegistry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func (r *ConnectionRegistry) removeLocked(peerID string, userID string) {
	delete(r.userOf, peerID)
	peers := r.byUser[userID]
	if peers == nil {
		return
	}
	if _, ok := peers[peerID]; !ok {
		return
	}
	delete(peers, peerID)
	activeConnections.Dec()
	if len(peers) == 0 {
		delete(r.byUser, userID)
	}
}

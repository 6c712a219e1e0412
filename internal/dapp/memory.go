package dapp

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps connections in process memory. It backs storage-less runs
// and tests; production wires the database-backed store instead.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]map[string]map[string]*Connection
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]map[string]map[string]*Connection)}
}

func (s *MemoryStore) Get(_ context.Context, accountID, url, uniqueID string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if conn, ok := s.accounts[accountID][url][uniqueID]; ok {
		return conn, nil
	}
	return nil, nil
}

func (s *MemoryStore) Put(_ context.Context, accountID string, conn *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byURL, ok := s.accounts[accountID]
	if !ok {
		byURL = make(map[string]map[string]*Connection)
		s.accounts[accountID] = byURL
	}
	byID, ok := byURL[conn.URL]
	if !ok {
		byID = make(map[string]*Connection)
		byURL[conn.URL] = byID
	}
	byID[conn.UniqueID()] = conn
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, accountID, url, uniqueID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.accounts[accountID][url]
	if !ok {
		return false, nil
	}
	if _, ok := byID[uniqueID]; !ok {
		return false, nil
	}
	delete(byID, uniqueID)
	if len(byID) == 0 {
		delete(s.accounts[accountID], url)
	}
	return true, nil
}

func (s *MemoryStore) List(_ context.Context, accountID string) ([]*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var conns []*Connection
	for _, byID := range s.accounts[accountID] {
		for _, conn := range byID {
			conns = append(conns, conn)
		}
	}
	return conns, nil
}

func (s *MemoryStore) ListAll(_ context.Context) (map[string][]*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make(map[string][]*Connection, len(s.accounts))
	for accountID, byURL := range s.accounts {
		for _, byID := range byURL {
			for _, conn := range byID {
				all[accountID] = append(all[accountID], conn)
			}
		}
	}
	return all, nil
}

func (s *MemoryStore) DeleteAccount(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, accountID)
	return nil
}

func (s *MemoryStore) FindLastConnectedAccount(_ context.Context, network Network, url string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best   string
		bestAt int64
	)
	for accountID, byURL := range s.accounts {
		if ParseAccountNetwork(accountID) != network {
			continue
		}
		for _, conn := range byURL[url] {
			if conn.ConnectedAt >= bestAt {
				best, bestAt = accountID, conn.ConnectedAt
			}
		}
	}
	return best, nil
}

// MemoryCursor is an in-process StreamCursor for tests and storage-less runs.
type MemoryCursor struct {
	mu          sync.Mutex
	lastEventID string
	processed   map[string]time.Time
}

func NewMemoryCursor() *MemoryCursor {
	return &MemoryCursor{processed: make(map[string]time.Time)}
}

func (c *MemoryCursor) LastEventID(_ context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID, nil
}

func (c *MemoryCursor) SetLastEventID(_ context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastEventID = eventID
	return nil
}

func (c *MemoryCursor) MarkProcessed(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if expiry, ok := c.processed[key]; ok && expiry.After(now) {
		return false, nil
	}
	c.processed[key] = now.Add(ttl)
	return true, nil
}

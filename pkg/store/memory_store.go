package store

import (
	"sync"
	"time"

	"web3university/pkg/domain"
)

type purchaseKey struct {
	courseID string
	buyer    string
}

// MemoryStore is the in-process Store used by tests. It mirrors the
// GormStore semantics, including purchase idempotence by key.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]domain.User
	courses     map[string]domain.Course
	courseOrder []string
	purchases   map[purchaseKey]domain.PurchaseRecord
	checkpoint  *domain.Checkpoint
	events      map[string][]byte
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]domain.User),
		courses:   make(map[string]domain.Course),
		purchases: make(map[purchaseKey]domain.PurchaseRecord),
		events:    make(map[string][]byte),
	}
}

func (m *MemoryStore) UpsertUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := domain.NormalizeAddress(u.Address)
	now := time.Now().UTC()
	if existing, ok := m.users[addr]; ok {
		existing.LastSignature = u.LastSignature
		existing.Nickname = u.Nickname
		existing.UpdatedAt = now
		m.users[addr] = existing
		return nil
	}
	u.Address = addr
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	m.users[addr] = u
	return nil
}

func (m *MemoryStore) GetUser(address string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[domain.NormalizeAddress(address)]
	return u, ok, nil
}

func (m *MemoryStore) UpdateNickname(address, nickname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := domain.NormalizeAddress(address)
	u, ok := m.users[addr]
	if !ok {
		return ErrNotFound
	}
	u.Nickname = nickname
	u.UpdatedAt = time.Now().UTC()
	m.users[addr] = u
	return nil
}

func (m *MemoryStore) SaveCourse(c domain.Course) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Author = domain.NormalizeAddress(c.Author)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if _, exists := m.courses[c.ID]; !exists {
		m.courseOrder = append(m.courseOrder, c.ID)
	}
	m.courses[c.ID] = c
	return nil
}

func (m *MemoryStore) GetCourse(id string) (domain.Course, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.courses[id]
	return c, ok, nil
}

func (m *MemoryStore) ListCourses() ([]domain.Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Course, 0, len(m.courseOrder))
	for _, id := range m.courseOrder {
		if c, ok := m.courses[id]; ok {
			res = append(res, c)
		}
	}
	return res, nil
}

func (m *MemoryStore) ListCoursesByBuyer(address string) ([]domain.Course, error) {
	addr := domain.NormalizeAddress(address)
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Course, 0)
	for _, id := range m.courseOrder {
		c, ok := m.courses[id]
		if !ok {
			continue
		}
		if _, bought := m.purchases[purchaseKey{courseID: id, buyer: addr}]; bought {
			res = append(res, c)
		}
	}
	return res, nil
}

func (m *MemoryStore) UpsertPurchase(r domain.PurchaseRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := purchaseKey{courseID: r.CourseID, buyer: domain.NormalizeAddress(r.Buyer)}
	if _, exists := m.purchases[key]; exists {
		return false, nil
	}
	r.Buyer = key.buyer
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.purchases[key] = r
	return true, nil
}

func (m *MemoryStore) GetPurchase(courseID, buyer string) (domain.PurchaseRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.purchases[purchaseKey{courseID: courseID, buyer: domain.NormalizeAddress(buyer)}]
	return r, ok, nil
}

func (m *MemoryStore) ListPurchasesByBuyer(address string) ([]domain.PurchaseRecord, error) {
	addr := domain.NormalizeAddress(address)
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.PurchaseRecord, 0)
	for key, r := range m.purchases {
		if key.buyer == addr {
			res = append(res, r)
		}
	}
	return res, nil
}

func (m *MemoryStore) SaveCheckpoint(cp domain.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp.UpdatedAt = time.Now().UTC()
	m.checkpoint = &cp
	return nil
}

func (m *MemoryStore) GetCheckpoint() (domain.Checkpoint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.checkpoint == nil {
		return domain.Checkpoint{}, false, nil
	}
	return *m.checkpoint, true, nil
}

// RecordEvent mirrors the GormStore audit capability.
func (m *MemoryStore) RecordEvent(eventID string, blockNumber uint64, payload []byte) error {
	_ = blockNumber
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.events[eventID]; exists {
		return nil
	}
	m.events[eventID] = append([]byte(nil), payload...)
	return nil
}

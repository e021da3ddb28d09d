package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go-meetup/internal/domain"
)

type participantKey struct {
	groupID int64
	userID  int64
}

// Memory is an in-process Store with the same locking and constraint
// semantics as Postgres. Writes made inside WithGroup are staged and only
// become visible when fn returns nil.
type Memory struct {
	mu            sync.Mutex
	groups        map[int64]*domain.Group
	participants  map[participantKey]domain.Participant
	messages      []domain.Message
	notifications []domain.Notification
	lastID        struct{ group, message, notification int64 }
	groupLocks    map[int64]*sync.Mutex

	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		groups:       make(map[int64]*domain.Group),
		participants: make(map[participantKey]domain.Participant),
		groupLocks:   make(map[int64]*sync.Mutex),
		Now:          time.Now,
	}
}

func (m *Memory) CreateGroup(_ context.Context, g *domain.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID.group++
	g.ID = m.lastID.group
	g.CreatedAt = m.Now()
	cp := *g
	m.groups[g.ID] = &cp
	m.groupLocks[g.ID] = &sync.Mutex{}
	return nil
}

func (m *Memory) Group(_ context.Context, id int64) (*domain.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *Memory) Participant(_ context.Context, groupID, userID int64) (*domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[participantKey{groupID, userID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *Memory) Participants(_ context.Context, groupID int64, status domain.Status) ([]domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Participant
	for k, p := range m.participants {
		if k.groupID == groupID && (status == "" || p.Status == status) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) Messages(_ context.Context, groupID, afterID int64, limit int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Message
	for _, msg := range m.messages {
		if msg.GroupID == groupID && msg.ID > afterID {
			out = append(out, msg)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) Notifications(_ context.Context, userID int64, unreadOnly bool, limit int) ([]domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Notification
	for i := len(m.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		n := m.notifications[i]
		if n.RecipientID != userID || (unreadOnly && n.IsRead) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (m *Memory) MarkNotificationRead(_ context.Context, userID, notificationID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.notifications {
		n := &m.notifications[i]
		if n.ID == notificationID && n.RecipientID == userID {
			n.IsRead = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) WithGroup(ctx context.Context, groupID int64, fn func(tx Tx) error) error {
	m.mu.Lock()
	lock, ok := m.groupLocks[groupID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	g, err := m.Group(ctx, groupID)
	if err != nil {
		return err
	}
	tx := &memTx{m: m, group: g, overlay: make(map[int64]*domain.Participant)}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	m     *Memory
	group *domain.Group
	// overlay holds staged participant rows; a nil value is a staged delete.
	overlay       map[int64]*domain.Participant
	messages      []domain.Message
	notifications []domain.Notification
}

func (t *memTx) Group() *domain.Group { return t.group }

func (t *memTx) Participant(ctx context.Context, userID int64) (*domain.Participant, error) {
	if p, staged := t.overlay[userID]; staged {
		if p == nil {
			return nil, ErrNotFound
		}
		cp := *p
		return &cp, nil
	}
	return t.m.Participant(ctx, t.group.ID, userID)
}

func (t *memTx) approvedIDs(ctx context.Context) ([]int64, error) {
	committed, err := t.m.Participants(ctx, t.group.ID, "")
	if err != nil {
		return nil, err
	}
	var ids []int64
	seen := make(map[int64]bool)
	for _, p := range committed {
		seen[p.UserID] = true
		if staged, ok := t.overlay[p.UserID]; ok {
			if staged == nil || staged.Status != domain.StatusApproved {
				continue
			}
		} else if p.Status != domain.StatusApproved {
			continue
		}
		ids = append(ids, p.UserID)
	}
	for uid, p := range t.overlay {
		if !seen[uid] && p != nil && p.Status == domain.StatusApproved {
			ids = append(ids, uid)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *memTx) CountApproved(ctx context.Context) (int, error) {
	ids, err := t.approvedIDs(ctx)
	return len(ids), err
}

func (t *memTx) Members(ctx context.Context) ([]int64, error) {
	ids, err := t.approvedIDs(ctx)
	if err != nil {
		return nil, err
	}
	return append([]int64{t.group.CreatorID}, ids...), nil
}

func (t *memTx) InsertParticipant(ctx context.Context, p *domain.Participant) error {
	if _, err := t.Participant(ctx, p.UserID); err == nil {
		return ErrDuplicate
	}
	p.GroupID = t.group.ID
	p.JoinedAt = t.m.Now()
	cp := *p
	t.overlay[p.UserID] = &cp
	return nil
}

func (t *memTx) UpdateStatus(ctx context.Context, userID int64, from, to domain.Status) error {
	p, err := t.Participant(ctx, userID)
	if err != nil {
		return err
	}
	if p.Status != from {
		return ErrNotFound
	}
	p.Status = to
	t.overlay[userID] = p
	return nil
}

func (t *memTx) DeleteParticipant(ctx context.Context, userID int64, status domain.Status) error {
	p, err := t.Participant(ctx, userID)
	if err != nil {
		return err
	}
	if p.Status != status {
		return ErrNotFound
	}
	t.overlay[userID] = nil
	return nil
}

func (t *memTx) InsertMessage(_ context.Context, msg *domain.Message) error {
	t.m.mu.Lock()
	t.m.lastID.message++
	msg.ID = t.m.lastID.message
	t.m.mu.Unlock()
	msg.GroupID = t.group.ID
	msg.CreatedAt = t.m.Now()
	t.messages = append(t.messages, *msg)
	return nil
}

func (t *memTx) InsertNotification(_ context.Context, n *domain.Notification) error {
	t.m.mu.Lock()
	t.m.lastID.notification++
	n.ID = t.m.lastID.notification
	t.m.mu.Unlock()
	if len(n.Payload) == 0 {
		n.Payload = json.RawMessage("{}")
	}
	n.CreatedAt = t.m.Now()
	t.notifications = append(t.notifications, *n)
	return nil
}

func (t *memTx) commit() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for uid, p := range t.overlay {
		key := participantKey{t.group.ID, uid}
		if p == nil {
			delete(t.m.participants, key)
			continue
		}
		t.m.participants[key] = *p
	}
	t.m.messages = append(t.m.messages, t.messages...)
	t.m.notifications = append(t.m.notifications, t.notifications...)
}

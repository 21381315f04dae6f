package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"shelfmark/pkg/domain"
)

// MemoryStore keeps everything in-process. It backs tests and the dev mode
// that runs without Postgres.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]domain.User
	userIDs    []string
	email      map[string]string // email -> user ID
	profiles   map[string]domain.Profile
	profileIDs []string
	roles      []domain.RoleAssignment
	books      map[string]domain.Book
	bookIDs    []string
	reviews    map[string]domain.Review
	reviewIDs  []string
	messages   map[string]domain.Message
	messageIDs []string
	audit      []domain.AuditEvent
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		email:    make(map[string]string),
		profiles: make(map[string]domain.Profile),
		books:    make(map[string]domain.Book),
		reviews:  make(map[string]domain.Review),
		messages: make(map[string]domain.Message),
	}
}

// SaveUser registers or replaces a user.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, exists := m.users[u.ID]; exists {
		if old.Email != u.Email {
			delete(m.email, old.Email)
		}
	} else {
		m.userIDs = append(m.userIDs, u.ID)
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.email[email]; ok {
		u, exists := m.users[id]
		return u, exists, nil
	}
	return domain.User{}, false, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// ListUsers returns all users in registration order.
func (m *MemoryStore) ListUsers() ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.userIDs))
	for _, id := range m.userIDs {
		if u, ok := m.users[id]; ok {
			res = append(res, u)
		}
	}
	return res, nil
}

// UserCount returns number of users.
func (m *MemoryStore) UserCount() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

// SaveProfile stores or replaces a profile.
func (m *MemoryStore) SaveProfile(p domain.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.profiles[p.UserID]; !exists {
		m.profileIDs = append(m.profileIDs, p.UserID)
	}
	m.profiles[p.UserID] = p
	return nil
}

// GetProfile returns the profile owned by a user.
func (m *MemoryStore) GetProfile(userID string) (domain.Profile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	return p, ok, nil
}

// ListProfiles returns all profiles in registration order.
func (m *MemoryStore) ListProfiles() ([]domain.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Profile, 0, len(m.profileIDs))
	for _, id := range m.profileIDs {
		if p, ok := m.profiles[id]; ok {
			res = append(res, p)
		}
	}
	return res, nil
}

// InsertRole appends a role assignment, rejecting exact duplicates the way
// the unique index does in Postgres.
func (m *MemoryStore) InsertRole(a domain.RoleAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.roles {
		if existing.UserID == a.UserID && existing.Role == a.Role {
			return fmt.Errorf("role %s already assigned to user %s", a.Role, a.UserID)
		}
	}
	m.roles = append(m.roles, a)
	return nil
}

// DeleteRoles removes every assignment for the user.
func (m *MemoryStore) DeleteRoles(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	filtered := m.roles[:0]
	for _, a := range m.roles {
		if a.UserID != userID {
			filtered = append(filtered, a)
		}
	}
	m.roles = filtered
	return nil
}

// GetRole resolves the user's role; the earliest assignment wins.
func (m *MemoryStore) GetRole(userID string) (domain.RoleAssignment, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best domain.RoleAssignment
	found := false
	for _, a := range m.roles {
		if a.UserID != userID {
			continue
		}
		if !found || a.CreatedAt.Before(best.CreatedAt) {
			best = a
			found = true
		}
	}
	return best, found, nil
}

// SaveBook stores or replaces a book record and tracks insertion order.
func (m *MemoryStore) SaveBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[b.ID]; !exists {
		m.bookIDs = append(m.bookIDs, b.ID)
	}
	m.books[b.ID] = b
	return nil
}

// ListBooks returns books matching the filter, newest first.
func (m *MemoryStore) ListBooks(filter BookFilter) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	category := strings.TrimSpace(filter.Category)
	uploadedBy := strings.TrimSpace(filter.UploadedBy)
	query := strings.ToLower(strings.TrimSpace(filter.Query))

	res := make([]domain.Book, 0, len(m.bookIDs))
	for _, id := range m.bookIDs {
		b, ok := m.books[id]
		if !ok {
			continue
		}
		if category != "" && b.Category != category {
			continue
		}
		if uploadedBy != "" && b.UploadedBy != uploadedBy {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(b.Title), query) &&
			!strings.Contains(strings.ToLower(b.Author), query) {
			continue
		}
		res = append(res, b)
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

// GetBook retrieves a book by ID.
func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

// DeleteBook removes a book, its reviews, and detaches messages that
// referenced it.
func (m *MemoryStore) DeleteBook(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.books, id)
	filtered := m.bookIDs[:0]
	for _, item := range m.bookIDs {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	m.bookIDs = filtered

	keptReviews := m.reviewIDs[:0]
	for _, rid := range m.reviewIDs {
		if r, ok := m.reviews[rid]; ok && r.BookID == id {
			delete(m.reviews, rid)
			continue
		}
		keptReviews = append(keptReviews, rid)
	}
	m.reviewIDs = keptReviews

	for mid, msg := range m.messages {
		if msg.BookID == id {
			msg.BookID = ""
			m.messages[mid] = msg
		}
	}
	return nil
}

// BookCount returns number of books.
func (m *MemoryStore) BookCount() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.books), nil
}

// SaveReview records a review.
func (m *MemoryStore) SaveReview(r domain.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.reviews[r.ID]; !exists {
		m.reviewIDs = append(m.reviewIDs, r.ID)
	}
	m.reviews[r.ID] = r
	return nil
}

// ListReviewsByBook returns a book's reviews, newest first.
func (m *MemoryStore) ListReviewsByBook(bookID string) ([]domain.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Review, 0, len(m.reviewIDs))
	for _, id := range m.reviewIDs {
		if r, ok := m.reviews[id]; ok && r.BookID == bookID {
			res = append(res, r)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

// GetReview retrieves a review by ID.
func (m *MemoryStore) GetReview(id string) (domain.Review, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reviews[id]
	return r, ok, nil
}

// DeleteReview removes a review.
func (m *MemoryStore) DeleteReview(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reviews, id)
	filtered := m.reviewIDs[:0]
	for _, item := range m.reviewIDs {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	m.reviewIDs = filtered
	return nil
}

// ReviewCount returns number of reviews.
func (m *MemoryStore) ReviewCount() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.reviews), nil
}

// BookStats aggregates average rating and review count per book.
func (m *MemoryStore) BookStats(bookIDs ...string) (map[string]domain.BookStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := make(map[string]bool, len(bookIDs))
	for _, id := range bookIDs {
		wanted[id] = true
	}
	sums := make(map[string]int)
	counts := make(map[string]int)
	for _, r := range m.reviews {
		if !wanted[r.BookID] {
			continue
		}
		sums[r.BookID] += r.Rating
		counts[r.BookID]++
	}
	stats := make(map[string]domain.BookStats, len(counts))
	for id, count := range counts {
		stats[id] = domain.BookStats{
			BookID:        id,
			AverageRating: float64(sums[id]) / float64(count),
			ReviewCount:   count,
		}
	}
	return stats, nil
}

// SaveMessage records a message.
func (m *MemoryStore) SaveMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.messages[msg.ID]; !exists {
		m.messageIDs = append(m.messageIDs, msg.ID)
	}
	m.messages[msg.ID] = msg
	return nil
}

// ListInbox returns messages received by the user, newest first.
func (m *MemoryStore) ListInbox(userID string) ([]domain.Message, error) {
	return m.listMessages(func(msg domain.Message) bool {
		return msg.RecipientID == userID
	})
}

// ListSent returns messages sent by the user, newest first.
func (m *MemoryStore) ListSent(userID string) ([]domain.Message, error) {
	return m.listMessages(func(msg domain.Message) bool {
		return msg.SenderID == userID
	})
}

func (m *MemoryStore) listMessages(match func(domain.Message) bool) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Message, 0, len(m.messageIDs))
	for _, id := range m.messageIDs {
		if msg, ok := m.messages[id]; ok && match(msg) {
			res = append(res, msg)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

// GetMessage retrieves a message by ID.
func (m *MemoryStore) GetMessage(id string) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	return msg, ok, nil
}

// MarkMessageRead flips the read flag. Marking twice is a no-op.
func (m *MemoryStore) MarkMessageRead(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil
	}
	msg.IsRead = true
	m.messages[id] = msg
	return nil
}

// CountUnreadMessages counts unread inbox messages for the user.
func (m *MemoryStore) CountUnreadMessages(userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, msg := range m.messages {
		if msg.RecipientID == userID && !msg.IsRead {
			count++
		}
	}
	return count, nil
}

// MessageCount returns number of messages.
func (m *MemoryStore) MessageCount() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages), nil
}

// AppendAuditEvent records a privileged mutation.
func (m *MemoryStore) AppendAuditEvent(e domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

// ListAuditEvents returns the most recent audit events, newest first.
func (m *MemoryStore) ListAuditEvents(limit int) ([]domain.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	res := make([]domain.AuditEvent, 0, limit)
	for i := len(m.audit) - 1; i >= 0 && len(res) < limit; i-- {
		res = append(res, m.audit[i])
	}
	return res, nil
}

package store

import (
	"time"

	"shelfmark/pkg/domain"
)

// BookFilter narrows catalog listings. Zero values mean "no constraint".
type BookFilter struct {
	Category   string
	UploadedBy string
	Query      string // matches title or author, case-insensitive substring
}

// Store defines persistence operations for users, profiles, roles, books,
// reviews, messages, and the audit trail.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	ListUsers() ([]domain.User, error)
	UserCount() (int, error)

	// profiles
	SaveProfile(domain.Profile) error
	GetProfile(userID string) (domain.Profile, bool, error)
	ListProfiles() ([]domain.Profile, error)

	// roles. Reassignment is two separate statements (DeleteRoles then
	// InsertRole); GetRole resolves the earliest assignment when more than
	// one row exists.
	InsertRole(domain.RoleAssignment) error
	DeleteRoles(userID string) error
	GetRole(userID string) (domain.RoleAssignment, bool, error)

	// books
	SaveBook(domain.Book) error
	ListBooks(filter BookFilter) ([]domain.Book, error)
	GetBook(id string) (domain.Book, bool, error)
	DeleteBook(id string) error
	BookCount() (int, error)

	// reviews
	SaveReview(domain.Review) error
	ListReviewsByBook(bookID string) ([]domain.Review, error)
	GetReview(id string) (domain.Review, bool, error)
	DeleteReview(id string) error
	ReviewCount() (int, error)
	BookStats(bookIDs ...string) (map[string]domain.BookStats, error)

	// messages
	SaveMessage(domain.Message) error
	ListInbox(userID string) ([]domain.Message, error)
	ListSent(userID string) ([]domain.Message, error)
	GetMessage(id string) (domain.Message, bool, error)
	MarkMessageRead(id string) error
	CountUnreadMessages(userID string) (int, error)
	MessageCount() (int, error)

	// audit
	AppendAuditEvent(domain.AuditEvent) error
	ListAuditEvents(limit int) ([]domain.AuditEvent, error)
}

// SessionStore issues and validates session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// UnreadCache caches per-user unread message counts between client polls.
type UnreadCache interface {
	Get(userID string) (int, bool, error)
	Set(userID string, count int, ttl time.Duration) error
	Invalidate(userID string) error
}

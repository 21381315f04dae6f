package app

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"shelfmark/internal/authz"
	"shelfmark/pkg/auth"
	"shelfmark/pkg/domain"
	"shelfmark/pkg/storage"
	"shelfmark/pkg/store"
)

const (
	defaultSessionTTL     = 24 * time.Hour
	defaultPresignExpiry  = 15 * time.Minute
	defaultMaxUploadBytes = 50 << 20

	// Matches the client's unread-count poll interval.
	unreadCacheTTL = 30 * time.Second
)

var defaultAllowedExtensions = []string{"pdf", "epub", "txt"}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	SessionTTL time.Duration
	JWTSecret  string
	JWTOptions store.JWTOptions

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	MaxUploadBytes    int64
	AllowedExtensions []string
	DownloadURLTTL    time.Duration

	// Injection points for tests.
	Store    store.Store
	Sessions store.SessionStore
	Objects  storage.ObjectStore
	Unread   store.UnreadCache
}

// App is the core application service. Every guarded operation resolves its
// decision through the policy engine before touching the store or object
// storage.
type App struct {
	store    store.Store
	sessions store.SessionStore
	objects  storage.ObjectStore
	unread   store.UnreadCache
	policy   *authz.Engine

	maxUploadBytes int64
	allowedExts    map[string]bool
	presignExpiry  time.Duration
}

// New constructs the application and its backing stores.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.DownloadURLTTL == 0 {
		cfg.DownloadURLTTL = defaultPresignExpiry
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = defaultAllowedExtensions
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	sessionStore := cfg.Sessions
	if sessionStore == nil {
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("jwt secret required")
		}
		var revoker store.TokenRevoker
		if cfg.RedisAddr != "" {
			revoker = store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
		} else {
			revoker = store.NewMemoryTokenRevoker()
		}
		var err error
		sessionStore, err = store.NewJWTSessionStoreWithOptions(cfg.JWTSecret, cfg.SessionTTL, revoker, cfg.JWTOptions)
		if err != nil {
			return nil, fmt.Errorf("init session store: %w", err)
		}
	}

	objects := cfg.Objects
	if objects == nil {
		var err error
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
	}

	unread := cfg.Unread
	if unread == nil {
		if cfg.RedisAddr != "" {
			unread = store.NewRedisUnreadCache(cfg.RedisAddr, cfg.RedisPassword)
		} else {
			unread = store.NewMemoryUnreadCache()
		}
	}

	allowedExts := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext == "" {
			continue
		}
		allowedExts[ext] = true
	}

	return &App{
		store:          dataStore,
		sessions:       sessionStore,
		objects:        objects,
		unread:         unread,
		policy:         authz.NewEngine(),
		maxUploadBytes: cfg.MaxUploadBytes,
		allowedExts:    allowedExts,
		presignExpiry:  cfg.DownloadURLTTL,
	}, nil
}

// MaxUploadBytes returns the upload size cap for request body limiting.
func (a *App) MaxUploadBytes() int64 { return a.maxUploadBytes }

// Session bundles the authenticated user with profile and resolved role.
type Session struct {
	User    domain.User    `json:"user"`
	Profile domain.Profile `json:"profile"`
	Role    domain.Role    `json:"role"`
}

// SignUpInput carries the signup form fields.
type SignUpInput struct {
	Email       string
	Password    string
	FullName    string
	Role        string
	Phone       string
	Institution string
}

// SignUp registers a user, provisions profile and role in the same step, and
// issues a session token. The very first account bootstraps as admin;
// everyone else picks student or teacher. Provisioning is the system acting
// on signup, so it does not pass through the policy engine.
func (a *App) SignUp(in SignUpInput) (Session, string, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" || in.Password == "" {
		return Session{}, "", ErrEmailAndPasswordRequired
	}
	if err := auth.ValidatePassword(in.Password); err != nil {
		return Session{}, "", validationf("%s", err.Error())
	}
	fullName := strings.TrimSpace(in.FullName)
	if fullName == "" {
		return Session{}, "", validationf("fullName is required")
	}
	role := domain.RoleStudent
	if strings.TrimSpace(in.Role) != "" {
		parsed, ok := domain.ParseRole(in.Role)
		if !ok || parsed == domain.RoleAdmin {
			return Session{}, "", validationf("role must be student or teacher")
		}
		role = parsed
	}

	exists, err := a.store.HasUserEmail(email)
	if err != nil {
		return Session{}, "", fmt.Errorf("check email: %w", err)
	}
	if exists {
		return Session{}, "", ErrEmailAlreadyExists
	}
	count, err := a.store.UserCount()
	if err != nil {
		return Session{}, "", fmt.Errorf("count users: %w", err)
	}
	if count == 0 {
		role = domain.RoleAdmin
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return Session{}, "", fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(user); err != nil {
		return Session{}, "", fmt.Errorf("save user: %w", err)
	}
	profile := domain.Profile{
		UserID:      user.ID,
		FullName:    fullName,
		Email:       email,
		Phone:       strings.TrimSpace(in.Phone),
		Institution: strings.TrimSpace(in.Institution),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.SaveProfile(profile); err != nil {
		return Session{}, "", fmt.Errorf("save profile: %w", err)
	}
	if err := a.store.InsertRole(domain.RoleAssignment{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Role:      role,
		CreatedAt: now,
	}); err != nil {
		return Session{}, "", fmt.Errorf("assign role: %w", err)
	}

	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return Session{}, "", fmt.Errorf("issue session: %w", err)
	}
	return Session{User: user, Profile: profile, Role: role}, token, nil
}

// Login validates credentials and issues a session token.
func (a *App) Login(email, password string) (Session, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return Session{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return Session{}, "", ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return Session{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return Session{}, "", fmt.Errorf("issue session: %w", err)
	}
	session, err := a.sessionForUser(user)
	if err != nil {
		return Session{}, "", err
	}
	return session, token, nil
}

// Logout revokes the session token.
func (a *App) Logout(token string) error {
	return a.sessions.DeleteSession(token)
}

// ActorFromToken resolves the request identity: token subject plus the role
// looked up fresh from the role store. A user with no role row acts as a
// student, which also covers the reassignment window between delete and
// insert.
func (a *App) ActorFromToken(token string) (domain.Actor, bool) {
	uid, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.Actor{}, false
	}
	user, found, err := a.store.GetUserByID(uid)
	if err != nil || !found {
		return domain.Actor{}, false
	}
	role, err := a.resolveRole(user.ID)
	if err != nil {
		return domain.Actor{}, false
	}
	return domain.Actor{ID: user.ID, Role: role}, true
}

// CurrentSession loads the actor's user record, profile, and role.
func (a *App) CurrentSession(actor domain.Actor) (Session, error) {
	user, ok, err := a.store.GetUserByID(actor.ID)
	if err != nil {
		return Session{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return Session{}, ErrUserNotFound
	}
	return a.sessionForUser(user)
}

func (a *App) sessionForUser(user domain.User) (Session, error) {
	profile, _, err := a.store.GetProfile(user.ID)
	if err != nil {
		return Session{}, fmt.Errorf("fetch profile: %w", err)
	}
	role, err := a.resolveRole(user.ID)
	if err != nil {
		return Session{}, err
	}
	return Session{User: user, Profile: profile, Role: role}, nil
}

func (a *App) resolveRole(userID string) (domain.Role, error) {
	assignment, found, err := a.store.GetRole(userID)
	if err != nil {
		return "", fmt.Errorf("resolve role: %w", err)
	}
	if !found {
		return domain.RoleStudent, nil
	}
	return assignment.Role, nil
}

// GetProfile returns a profile the actor may read.
func (a *App) GetProfile(actor domain.Actor, userID string) (domain.Profile, error) {
	if err := a.policy.Authorize(actor, authz.OpSelect, authz.Profiles, authz.ProfileRecord(domain.Profile{UserID: userID})); err != nil {
		return domain.Profile{}, err
	}
	profile, ok, err := a.store.GetProfile(userID)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("fetch profile: %w", err)
	}
	if !ok {
		return domain.Profile{}, ErrProfileNotFound
	}
	return profile, nil
}

// ProfileUpdate carries PATCH semantics: nil fields stay untouched.
type ProfileUpdate struct {
	FullName    *string
	Email       *string
	Phone       *string
	Institution *string
}

// UpdateProfile applies a partial update to the actor's own profile.
func (a *App) UpdateProfile(actor domain.Actor, userID string, update ProfileUpdate) (domain.Profile, error) {
	if err := a.policy.Authorize(actor, authz.OpUpdate, authz.Profiles, authz.ProfileRecord(domain.Profile{UserID: userID})); err != nil {
		return domain.Profile{}, err
	}
	profile, ok, err := a.store.GetProfile(userID)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("fetch profile: %w", err)
	}
	if !ok {
		return domain.Profile{}, ErrProfileNotFound
	}
	if update.FullName != nil {
		name := strings.TrimSpace(*update.FullName)
		if name == "" {
			return domain.Profile{}, validationf("fullName cannot be empty")
		}
		profile.FullName = name
	}
	if update.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*update.Email))
		if email == "" {
			return domain.Profile{}, validationf("email cannot be empty")
		}
		profile.Email = email
	}
	if update.Phone != nil {
		profile.Phone = strings.TrimSpace(*update.Phone)
	}
	if update.Institution != nil {
		profile.Institution = strings.TrimSpace(*update.Institution)
	}
	profile.UpdatedAt = time.Now().UTC()
	if err := a.store.SaveProfile(profile); err != nil {
		return domain.Profile{}, fmt.Errorf("save profile: %w", err)
	}
	return profile, nil
}

// ListProfiles returns the contact listing for admins and teachers.
func (a *App) ListProfiles(actor domain.Actor) ([]domain.Profile, error) {
	// Listing guard: an empty record fails the owner clause, so only the
	// role-based clauses can grant it.
	if err := a.policy.Authorize(actor, authz.OpSelect, authz.Profiles, authz.Record{}); err != nil {
		return nil, err
	}
	profiles, err := a.store.ListProfiles()
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return profiles, nil
}

// UploadBookInput carries the multipart upload fields.
type UploadBookInput struct {
	Title       string
	Author      string
	Description string
	Category    string
	ISBN        string
	Filename    string
	Data        []byte
}

// UploadBook stores the blob first, then the catalog row. If the row insert
// fails, the blob is deleted best-effort; a failed compensation surfaces as a
// partial failure so operators can clean up the orphan.
func (a *App) UploadBook(ctx context.Context, actor domain.Actor, in UploadBookInput) (domain.Book, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Book{}, validationf("title is required")
	}
	if strings.TrimSpace(in.Filename) == "" {
		return domain.Book{}, validationf("filename is required")
	}
	if len(in.Data) == 0 {
		return domain.Book{}, validationf("file is empty")
	}
	if int64(len(in.Data)) > a.maxUploadBytes {
		return domain.Book{}, validationf("file too large")
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(in.Filename), "."))
	if !a.allowedExts[ext] {
		return domain.Book{}, validationf("unsupported file type %q", ext)
	}

	now := time.Now().UTC()
	book := domain.Book{
		ID:          uuid.New().String(),
		Title:       title,
		Author:      strings.TrimSpace(in.Author),
		Description: strings.TrimSpace(in.Description),
		Category:    strings.TrimSpace(in.Category),
		ISBN:        strings.TrimSpace(in.ISBN),
		FileName:    filepath.Base(in.Filename),
		StorageKey:  storage.BuildKey(actor.ID, in.Filename, now),
		SizeBytes:   int64(len(in.Data)),
		ContentType: contentTypeForFilename(in.Filename),
		UploadedBy:  actor.ID,
		CreatedAt:   now,
	}
	if err := a.policy.Authorize(actor, authz.OpInsert, authz.Books, authz.BookRecord(book)); err != nil {
		return domain.Book{}, err
	}
	if isPDF(in.Filename) {
		book.PageCount = pdfPageCount(in.Data)
	}

	if err := a.objects.Put(ctx, book.StorageKey, bytes.NewReader(in.Data), book.SizeBytes, book.ContentType); err != nil {
		return domain.Book{}, fmt.Errorf("store file: %w", err)
	}
	if err := a.store.SaveBook(book); err != nil {
		if delErr := a.objects.Delete(ctx, book.StorageKey); delErr != nil {
			slog.Error("orphaned blob after failed book insert",
				"storage_key", book.StorageKey, "insert_err", err, "delete_err", delErr)
			return domain.Book{}, &PartialFailureError{Op: "book.upload", Err: err}
		}
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	return book, nil
}

// CatalogFilter narrows the catalog listing.
type CatalogFilter struct {
	Category string
	Query    string
	Uploader string
}

// CatalogEntry is a book row extended with review aggregates and the
// advisory deletion capability derived from the policy engine.
type CatalogEntry struct {
	domain.Book
	AverageRating float64 `json:"averageRating"`
	ReviewCount   int     `json:"reviewCount"`
	CanDelete     bool    `json:"canDelete"`
}

// ListBooks returns the filtered catalog with aggregates and capabilities.
func (a *App) ListBooks(actor domain.Actor, filter CatalogFilter) ([]CatalogEntry, error) {
	if err := a.policy.Authorize(actor, authz.OpSelect, authz.Books, authz.Record{}); err != nil {
		return nil, err
	}
	books, err := a.store.ListBooks(store.BookFilter{
		Category:   filter.Category,
		UploadedBy: filter.Uploader,
		Query:      filter.Query,
	})
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	ids := make([]string, 0, len(books))
	for _, b := range books {
		ids = append(ids, b.ID)
	}
	stats, err := a.store.BookStats(ids...)
	if err != nil {
		return nil, fmt.Errorf("load review stats: %w", err)
	}
	entries := make([]CatalogEntry, 0, len(books))
	for _, b := range books {
		entries = append(entries, a.catalogEntry(actor, b, stats[b.ID]))
	}
	return entries, nil
}

// GetBookEntry returns one catalog entry.
func (a *App) GetBookEntry(actor domain.Actor, id string) (CatalogEntry, error) {
	book, err := a.getBookAuthorized(actor, id)
	if err != nil {
		return CatalogEntry{}, err
	}
	stats, err := a.store.BookStats(book.ID)
	if err != nil {
		return CatalogEntry{}, fmt.Errorf("load review stats: %w", err)
	}
	return a.catalogEntry(actor, book, stats[book.ID]), nil
}

func (a *App) catalogEntry(actor domain.Actor, b domain.Book, stats domain.BookStats) CatalogEntry {
	return CatalogEntry{
		Book:          b,
		AverageRating: stats.AverageRating,
		ReviewCount:   stats.ReviewCount,
		CanDelete:     a.policy.Can(actor, authz.OpDelete, authz.Books, authz.BookRecord(b)),
	}
}

func (a *App) getBookAuthorized(actor domain.Actor, id string) (domain.Book, error) {
	if err := a.policy.Authorize(actor, authz.OpSelect, authz.Books, authz.Record{}); err != nil {
		return domain.Book{}, err
	}
	book, ok, err := a.store.GetBook(id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return domain.Book{}, ErrBookNotFound
	}
	return book, nil
}

// GetDownloadURL returns a presigned URL and the original filename.
func (a *App) GetDownloadURL(ctx context.Context, actor domain.Actor, id string) (string, string, error) {
	book, err := a.getBookAuthorized(actor, id)
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(book.StorageKey) == "" {
		return "", "", fmt.Errorf("storage key missing for book %s", id)
	}
	url, err := a.objects.PresignGet(ctx, book.StorageKey, a.presignExpiry)
	if err != nil {
		return "", "", fmt.Errorf("presign download: %w", err)
	}
	return url, book.FileName, nil
}

// DeleteBook removes the blob first, then the row. A blob failure aborts
// with the row intact so a retry sees the same book; a row failure after the
// blob is gone is a partial failure.
func (a *App) DeleteBook(ctx context.Context, actor domain.Actor, id string) error {
	book, ok, err := a.store.GetBook(id)
	if err != nil {
		return fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return ErrBookNotFound
	}
	if err := a.policy.Authorize(actor, authz.OpDelete, authz.Books, authz.BookRecord(book)); err != nil {
		return err
	}
	if err := a.objects.Delete(ctx, book.StorageKey); err != nil {
		return fmt.Errorf("remove file: %w", err)
	}
	if err := a.store.DeleteBook(id); err != nil {
		slog.Error("book row survived blob deletion",
			"book_id", id, "storage_key", book.StorageKey, "err", err)
		return &PartialFailureError{Op: "book.delete", Err: err}
	}
	if actor.ID != book.UploadedBy {
		a.appendAudit(actor, "book.delete", "book", id, map[string]string{
			"title":       book.Title,
			"uploaded_by": book.UploadedBy,
		})
	}
	return nil
}

// ListReviews returns a book's reviews.
func (a *App) ListReviews(actor domain.Actor, bookID string) ([]domain.Review, error) {
	if err := a.policy.Authorize(actor, authz.OpSelect, authz.Reviews, authz.Record{}); err != nil {
		return nil, err
	}
	if _, ok, err := a.store.GetBook(bookID); err != nil {
		return nil, fmt.Errorf("fetch book: %w", err)
	} else if !ok {
		return nil, ErrBookNotFound
	}
	reviews, err := a.store.ListReviewsByBook(bookID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	return reviews, nil
}

// AddReview records a 1-5 star review. The rating range is checked here;
// storage does not constrain it.
func (a *App) AddReview(actor domain.Actor, bookID string, rating int, comment string) (domain.Review, error) {
	if rating < 1 || rating > 5 {
		return domain.Review{}, validationf("rating must be between 1 and 5")
	}
	if _, ok, err := a.store.GetBook(bookID); err != nil {
		return domain.Review{}, fmt.Errorf("fetch book: %w", err)
	} else if !ok {
		return domain.Review{}, ErrBookNotFound
	}
	review := domain.Review{
		ID:        uuid.New().String(),
		BookID:    bookID,
		UserID:    actor.ID,
		Rating:    rating,
		Comment:   strings.TrimSpace(comment),
		CreatedAt: time.Now().UTC(),
	}
	if err := a.policy.Authorize(actor, authz.OpInsert, authz.Reviews, authz.ReviewRecord(review)); err != nil {
		return domain.Review{}, err
	}
	if err := a.store.SaveReview(review); err != nil {
		return domain.Review{}, fmt.Errorf("save review: %w", err)
	}
	return review, nil
}

// DeleteReview removes the actor's own review. Admins hold no delete rule
// for reviews.
func (a *App) DeleteReview(actor domain.Actor, id string) error {
	review, ok, err := a.store.GetReview(id)
	if err != nil {
		return fmt.Errorf("fetch review: %w", err)
	}
	if !ok {
		return ErrReviewNotFound
	}
	if err := a.policy.Authorize(actor, authz.OpDelete, authz.Reviews, authz.ReviewRecord(review)); err != nil {
		return err
	}
	if err := a.store.DeleteReview(id); err != nil {
		return fmt.Errorf("delete review: %w", err)
	}
	return nil
}

// SendMessageInput carries the message form fields.
type SendMessageInput struct {
	RecipientID string
	Subject     string
	Content     string
	BookID      string
}

// SendMessage records a directed message and drops the recipient's cached
// unread count.
func (a *App) SendMessage(actor domain.Actor, in SendMessageInput) (domain.Message, error) {
	recipientID := strings.TrimSpace(in.RecipientID)
	if recipientID == "" {
		return domain.Message{}, validationf("recipientId is required")
	}
	subject := strings.TrimSpace(in.Subject)
	if subject == "" {
		return domain.Message{}, validationf("subject is required")
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return domain.Message{}, validationf("content is required")
	}
	if _, ok, err := a.store.GetUserByID(recipientID); err != nil {
		return domain.Message{}, fmt.Errorf("fetch recipient: %w", err)
	} else if !ok {
		return domain.Message{}, validationf("recipient not found")
	}
	bookID := strings.TrimSpace(in.BookID)
	if bookID != "" {
		if _, ok, err := a.store.GetBook(bookID); err != nil {
			return domain.Message{}, fmt.Errorf("fetch book: %w", err)
		} else if !ok {
			return domain.Message{}, ErrBookNotFound
		}
	}
	msg := domain.Message{
		ID:          uuid.New().String(),
		SenderID:    actor.ID,
		RecipientID: recipientID,
		BookID:      bookID,
		Subject:     subject,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.policy.Authorize(actor, authz.OpInsert, authz.Messages, authz.MessageRecord(msg)); err != nil {
		return domain.Message{}, err
	}
	if err := a.store.SaveMessage(msg); err != nil {
		return domain.Message{}, fmt.Errorf("save message: %w", err)
	}
	if err := a.unread.Invalidate(recipientID); err != nil {
		slog.Warn("invalidate unread cache", "user_id", recipientID, "err", err)
	}
	return msg, nil
}

// ListMessages returns the actor's inbox or sent box, newest first.
func (a *App) ListMessages(actor domain.Actor, box string) ([]domain.Message, error) {
	switch strings.ToLower(strings.TrimSpace(box)) {
	case "", "inbox":
		msgs, err := a.store.ListInbox(actor.ID)
		if err != nil {
			return nil, fmt.Errorf("list inbox: %w", err)
		}
		return msgs, nil
	case "sent":
		msgs, err := a.store.ListSent(actor.ID)
		if err != nil {
			return nil, fmt.Errorf("list sent: %w", err)
		}
		return msgs, nil
	default:
		return nil, validationf("box must be inbox or sent")
	}
}

// GetMessage returns a message the actor may see. A denial surfaces as an
// error; it never degrades into an empty result.
func (a *App) GetMessage(actor domain.Actor, id string) (domain.Message, error) {
	msg, ok, err := a.store.GetMessage(id)
	if err != nil {
		return domain.Message{}, fmt.Errorf("fetch message: %w", err)
	}
	if !ok {
		return domain.Message{}, ErrMessageNotFound
	}
	if err := a.policy.Authorize(actor, authz.OpSelect, authz.Messages, authz.MessageRecord(msg)); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// MarkMessageRead flips the read flag. Only the recipient holds the update
// rule; marking twice is a no-op.
func (a *App) MarkMessageRead(actor domain.Actor, id string) (domain.Message, error) {
	msg, ok, err := a.store.GetMessage(id)
	if err != nil {
		return domain.Message{}, fmt.Errorf("fetch message: %w", err)
	}
	if !ok {
		return domain.Message{}, ErrMessageNotFound
	}
	if err := a.policy.Authorize(actor, authz.OpUpdate, authz.Messages, authz.MessageRecord(msg)); err != nil {
		return domain.Message{}, err
	}
	if err := a.store.MarkMessageRead(id); err != nil {
		return domain.Message{}, fmt.Errorf("mark message read: %w", err)
	}
	msg.IsRead = true
	if err := a.unread.Invalidate(actor.ID); err != nil {
		slog.Warn("invalidate unread cache", "user_id", actor.ID, "err", err)
	}
	return msg, nil
}

// UnreadCount returns the actor's unread message count, cached between
// client polls.
func (a *App) UnreadCount(actor domain.Actor) (int, error) {
	if count, ok, err := a.unread.Get(actor.ID); err == nil && ok {
		return count, nil
	} else if err != nil {
		slog.Warn("read unread cache", "user_id", actor.ID, "err", err)
	}
	count, err := a.store.CountUnreadMessages(actor.ID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	if err := a.unread.Set(actor.ID, count, unreadCacheTTL); err != nil {
		slog.Warn("write unread cache", "user_id", actor.ID, "err", err)
	}
	return count, nil
}

// AdminUser pairs a user with their profile and resolved role.
type AdminUser struct {
	User    domain.User    `json:"user"`
	Profile domain.Profile `json:"profile"`
	Role    domain.Role    `json:"role"`
}

// ListUsersWithRoles returns the admin panel's user listing.
func (a *App) ListUsersWithRoles(actor domain.Actor) ([]AdminUser, error) {
	if err := a.policy.Authorize(actor, authz.OpSelect, authz.Roles, authz.Record{}); err != nil {
		return nil, err
	}
	users, err := a.store.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	profiles, err := a.store.ListProfiles()
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	profileByUser := make(map[string]domain.Profile, len(profiles))
	for _, p := range profiles {
		profileByUser[p.UserID] = p
	}
	out := make([]AdminUser, 0, len(users))
	for _, u := range users {
		role, err := a.resolveRole(u.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, AdminUser{
			User:    u,
			Profile: profileByUser[u.ID],
			Role:    role,
		})
	}
	return out, nil
}

// ReassignRole replaces a user's role with delete-then-insert. The two
// statements are intentionally separate: a reader between them sees no role
// and resolves to student, never something higher.
func (a *App) ReassignRole(actor domain.Actor, userID string, role domain.Role) (domain.RoleAssignment, error) {
	if _, ok, err := a.store.GetUserByID(userID); err != nil {
		return domain.RoleAssignment{}, fmt.Errorf("fetch user: %w", err)
	} else if !ok {
		return domain.RoleAssignment{}, ErrUserNotFound
	}
	record := authz.RoleRecord(userID)
	if err := a.policy.Authorize(actor, authz.OpDelete, authz.Roles, record); err != nil {
		return domain.RoleAssignment{}, err
	}
	if err := a.policy.Authorize(actor, authz.OpInsert, authz.Roles, record); err != nil {
		return domain.RoleAssignment{}, err
	}

	if err := a.store.DeleteRoles(userID); err != nil {
		return domain.RoleAssignment{}, fmt.Errorf("delete roles: %w", err)
	}
	assignment := domain.RoleAssignment{
		ID:         uuid.New().String(),
		UserID:     userID,
		Role:       role,
		AssignedBy: actor.ID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.store.InsertRole(assignment); err != nil {
		return domain.RoleAssignment{}, fmt.Errorf("insert role: %w", err)
	}
	a.appendAudit(actor, "role.reassign", "user", userID, map[string]string{
		"role": string(role),
	})
	return assignment, nil
}

// AdminStats aggregates entity counts for the admin dashboard.
type AdminStats struct {
	Users    int `json:"users"`
	Books    int `json:"books"`
	Reviews  int `json:"reviews"`
	Messages int `json:"messages"`
}

// Stats fans the four counts out concurrently.
func (a *App) Stats(ctx context.Context, actor domain.Actor) (AdminStats, error) {
	if err := a.policy.Authorize(actor, authz.OpSelect, authz.Roles, authz.Record{}); err != nil {
		return AdminStats{}, err
	}
	var stats AdminStats
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := a.store.UserCount()
		stats.Users = n
		return err
	})
	g.Go(func() error {
		n, err := a.store.BookCount()
		stats.Books = n
		return err
	})
	g.Go(func() error {
		n, err := a.store.ReviewCount()
		stats.Reviews = n
		return err
	})
	g.Go(func() error {
		n, err := a.store.MessageCount()
		stats.Messages = n
		return err
	})
	if err := g.Wait(); err != nil {
		return AdminStats{}, fmt.Errorf("collect stats: %w", err)
	}
	return stats, nil
}

// AuditTrail returns recent privileged mutations, newest first.
func (a *App) AuditTrail(actor domain.Actor, limit int) ([]domain.AuditEvent, error) {
	if err := a.policy.Authorize(actor, authz.OpSelect, authz.Roles, authz.Record{}); err != nil {
		return nil, err
	}
	events, err := a.store.ListAuditEvents(limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}

// appendAudit records a privileged mutation; the mutation itself already
// happened, so failures are logged rather than propagated.
func (a *App) appendAudit(actor domain.Actor, action, objectType, objectID string, detail map[string]string) {
	event := domain.AuditEvent{
		ID:         uuid.New().String(),
		ActorID:    actor.ID,
		Action:     action,
		ObjectType: objectType,
		ObjectID:   objectID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.store.AppendAuditEvent(event); err != nil {
		slog.Error("append audit event", "action", action, "object_id", objectID, "err", err)
	}
}

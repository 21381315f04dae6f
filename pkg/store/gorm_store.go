package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"shelfmark/pkg/domain"
)

const migrateLockID int64 = 52475247

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&UserModel{},
			&ProfileModel{},
			&RoleModel{},
			&BookModel{},
			&ReviewModel{},
			&MessageModel{},
			&AuditEventModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM profile_models p
				WHERE NOT EXISTS (SELECT 1 FROM user_models u WHERE u.id = p.user_id);
				DELETE FROM role_models r
				WHERE NOT EXISTS (SELECT 1 FROM user_models u WHERE u.id = r.user_id);
				DELETE FROM review_models r
				WHERE NOT EXISTS (SELECT 1 FROM book_models b WHERE b.id = r.book_id);
				UPDATE message_models m SET book_id = NULL
				WHERE m.book_id IS NOT NULL
				  AND NOT EXISTS (SELECT 1 FROM book_models b WHERE b.id = m.book_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'profile_models'
					AND constraint_name = 'profile_models_user_id_fkey'
				) THEN
					ALTER TABLE profile_models
					ADD CONSTRAINT profile_models_user_id_fkey
					FOREIGN KEY (user_id) REFERENCES user_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'role_models'
					AND constraint_name = 'role_models_user_id_fkey'
				) THEN
					ALTER TABLE role_models
					ADD CONSTRAINT role_models_user_id_fkey
					FOREIGN KEY (user_id) REFERENCES user_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'review_models'
					AND constraint_name = 'review_models_book_id_fkey'
				) THEN
					ALTER TABLE review_models
					ADD CONSTRAINT review_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_book_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE SET NULL;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "password_hash", "updated_at"}),
	}).Create(&model).Error
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsers returns all users ordered by created_at.
func (s *GormStore) ListUsers() ([]domain.User, error) {
	var models []UserModel
	if err := s.db.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// UserCount returns number of users.
func (s *GormStore) UserCount() (int, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// SaveProfile stores or updates a profile.
func (s *GormStore) SaveProfile(p domain.Profile) error {
	model := profileToModel(p)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"full_name", "email", "phone", "institution", "updated_at"}),
	}).Create(&model).Error
}

// GetProfile returns the profile owned by a user.
func (s *GormStore) GetProfile(userID string) (domain.Profile, bool, error) {
	var model ProfileModel
	if err := s.db.First(&model, "user_id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Profile{}, false, nil
		}
		return domain.Profile{}, false, err
	}
	return profileFromModel(model), true, nil
}

// ListProfiles returns all profiles ordered by created_at.
func (s *GormStore) ListProfiles() ([]domain.Profile, error) {
	var models []ProfileModel
	if err := s.db.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Profile, 0, len(models))
	for _, m := range models {
		res = append(res, profileFromModel(m))
	}
	return res, nil
}

// InsertRole appends a role assignment row. The unique index on
// (user_id, role) rejects duplicates of the same pair.
func (s *GormStore) InsertRole(a domain.RoleAssignment) error {
	model := roleToModel(a)
	return s.db.Create(&model).Error
}

// DeleteRoles removes every assignment for the user.
func (s *GormStore) DeleteRoles(userID string) error {
	return s.db.Delete(&RoleModel{}, "user_id = ?", userID).Error
}

// GetRole resolves the user's role. When more than one assignment exists the
// earliest one wins, so a half-finished reassignment never elevates anyone.
func (s *GormStore) GetRole(userID string) (domain.RoleAssignment, bool, error) {
	var model RoleModel
	if err := s.db.Where("user_id = ?", userID).
		Order("created_at ASC").
		First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.RoleAssignment{}, false, nil
		}
		return domain.RoleAssignment{}, false, err
	}
	return roleFromModel(model), true, nil
}

// SaveBook stores or updates a book row.
func (s *GormStore) SaveBook(b domain.Book) error {
	model := bookToModel(b)
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "author", "description", "category", "isbn",
			"file_name", "storage_key", "size_bytes", "page_count",
			"content_type",
		}),
	}).Create(&model).Error
}

// ListBooks returns catalog rows matching the filter, newest first.
func (s *GormStore) ListBooks(filter BookFilter) ([]domain.Book, error) {
	tx := s.db.Order("created_at DESC")
	if strings.TrimSpace(filter.Category) != "" {
		tx = tx.Where("category = ?", strings.TrimSpace(filter.Category))
	}
	if strings.TrimSpace(filter.UploadedBy) != "" {
		tx = tx.Where("uploaded_by = ?", strings.TrimSpace(filter.UploadedBy))
	}
	if q := strings.ToLower(strings.TrimSpace(filter.Query)); q != "" {
		pattern := "%" + q + "%"
		tx = tx.Where("LOWER(title) LIKE ? OR LOWER(author) LIKE ?", pattern, pattern)
	}
	var models []BookModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// DeleteBook removes the book row, its reviews, and detaches messages that
// referenced it. Messages themselves are immutable and stay.
func (s *GormStore) DeleteBook(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ReviewModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Model(&MessageModel{}).
			Where("book_id = ?", id).
			Update("book_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Delete(&BookModel{}, "id = ?", id).Error; err != nil {
			return err
		}
		return nil
	})
}

// BookCount returns number of books.
func (s *GormStore) BookCount() (int, error) {
	var count int64
	if err := s.db.Model(&BookModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// SaveReview records a review. Reviews are immutable, so this is a plain
// insert; repeat reviews by the same user are allowed.
func (s *GormStore) SaveReview(r domain.Review) error {
	model := reviewToModel(r)
	return s.db.Create(&model).Error
}

// ListReviewsByBook returns a book's reviews, newest first.
func (s *GormStore) ListReviewsByBook(bookID string) ([]domain.Review, error) {
	var models []ReviewModel
	if err := s.db.Where("book_id = ?", bookID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Review, 0, len(models))
	for _, m := range models {
		res = append(res, reviewFromModel(m))
	}
	return res, nil
}

// GetReview retrieves a review.
func (s *GormStore) GetReview(id string) (domain.Review, bool, error) {
	var model ReviewModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Review{}, false, nil
		}
		return domain.Review{}, false, err
	}
	return reviewFromModel(model), true, nil
}

// DeleteReview removes a review.
func (s *GormStore) DeleteReview(id string) error {
	return s.db.Delete(&ReviewModel{}, "id = ?", id).Error
}

// ReviewCount returns number of reviews.
func (s *GormStore) ReviewCount() (int, error) {
	var count int64
	if err := s.db.Model(&ReviewModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// BookStats aggregates average rating and review count per book in one
// query. Books without reviews are absent from the result.
func (s *GormStore) BookStats(bookIDs ...string) (map[string]domain.BookStats, error) {
	stats := make(map[string]domain.BookStats, len(bookIDs))
	if len(bookIDs) == 0 {
		return stats, nil
	}
	var rows []struct {
		BookID        string
		AverageRating float64
		ReviewCount   int
	}
	if err := s.db.Model(&ReviewModel{}).
		Select("book_id, AVG(rating) AS average_rating, COUNT(*) AS review_count").
		Where("book_id IN ?", bookIDs).
		Group("book_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		stats[row.BookID] = domain.BookStats{
			BookID:        row.BookID,
			AverageRating: row.AverageRating,
			ReviewCount:   row.ReviewCount,
		}
	}
	return stats, nil
}

// SaveMessage records a message.
func (s *GormStore) SaveMessage(m domain.Message) error {
	model := messageToModel(m)
	return s.db.Create(&model).Error
}

// ListInbox returns messages received by the user, newest first.
func (s *GormStore) ListInbox(userID string) ([]domain.Message, error) {
	return s.listMessages("recipient_id = ?", userID)
}

// ListSent returns messages sent by the user, newest first.
func (s *GormStore) ListSent(userID string) ([]domain.Message, error) {
	return s.listMessages("sender_id = ?", userID)
}

func (s *GormStore) listMessages(cond string, userID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Where(cond, userID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Message, 0, len(models))
	for _, m := range models {
		res = append(res, messageFromModel(m))
	}
	return res, nil
}

// GetMessage retrieves a message.
func (s *GormStore) GetMessage(id string) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}

// MarkMessageRead flips the read flag. Marking twice is a no-op.
func (s *GormStore) MarkMessageRead(id string) error {
	return s.db.Model(&MessageModel{}).
		Where("id = ?", id).
		Update("is_read", true).Error
}

// CountUnreadMessages counts unread inbox messages for the user.
func (s *GormStore) CountUnreadMessages(userID string) (int, error) {
	var count int64
	if err := s.db.Model(&MessageModel{}).
		Where("recipient_id = ? AND is_read = ?", userID, false).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// MessageCount returns number of messages.
func (s *GormStore) MessageCount() (int, error) {
	var count int64
	if err := s.db.Model(&MessageModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// AppendAuditEvent records a privileged mutation.
func (s *GormStore) AppendAuditEvent(e domain.AuditEvent) error {
	model, err := auditToModel(e)
	if err != nil {
		return err
	}
	return s.db.Create(&model).Error
}

// ListAuditEvents returns the most recent audit events, newest first.
func (s *GormStore) ListAuditEvents(limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []AuditEventModel
	if err := s.db.Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.AuditEvent, 0, len(models))
	for _, m := range models {
		res = append(res, auditFromModel(m))
	}
	return res, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func profileToModel(p domain.Profile) ProfileModel {
	return ProfileModel{
		UserID:      p.UserID,
		FullName:    p.FullName,
		Email:       p.Email,
		Phone:       p.Phone,
		Institution: p.Institution,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func profileFromModel(m ProfileModel) domain.Profile {
	return domain.Profile{
		UserID:      m.UserID,
		FullName:    m.FullName,
		Email:       m.Email,
		Phone:       m.Phone,
		Institution: m.Institution,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func roleToModel(a domain.RoleAssignment) RoleModel {
	return RoleModel{
		ID:         a.ID,
		UserID:     a.UserID,
		Role:       string(a.Role),
		AssignedBy: a.AssignedBy,
		CreatedAt:  a.CreatedAt,
	}
}

func roleFromModel(m RoleModel) domain.RoleAssignment {
	return domain.RoleAssignment{
		ID:         m.ID,
		UserID:     m.UserID,
		Role:       domain.Role(m.Role),
		AssignedBy: m.AssignedBy,
		CreatedAt:  m.CreatedAt,
	}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:          b.ID,
		Title:       b.Title,
		Author:      b.Author,
		Description: b.Description,
		Category:    b.Category,
		ISBN:        b.ISBN,
		FileName:    b.FileName,
		StorageKey:  b.StorageKey,
		SizeBytes:   b.SizeBytes,
		PageCount:   b.PageCount,
		ContentType: b.ContentType,
		UploadedBy:  b.UploadedBy,
		CreatedAt:   b.CreatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:          m.ID,
		Title:       m.Title,
		Author:      m.Author,
		Description: m.Description,
		Category:    m.Category,
		ISBN:        m.ISBN,
		FileName:    m.FileName,
		StorageKey:  m.StorageKey,
		SizeBytes:   m.SizeBytes,
		PageCount:   m.PageCount,
		ContentType: m.ContentType,
		UploadedBy:  m.UploadedBy,
		CreatedAt:   m.CreatedAt,
	}
}

func reviewToModel(r domain.Review) ReviewModel {
	return ReviewModel{
		ID:        r.ID,
		BookID:    r.BookID,
		UserID:    r.UserID,
		Rating:    r.Rating,
		Comment:   r.Comment,
		CreatedAt: r.CreatedAt,
	}
}

func reviewFromModel(m ReviewModel) domain.Review {
	return domain.Review{
		ID:        m.ID,
		BookID:    m.BookID,
		UserID:    m.UserID,
		Rating:    m.Rating,
		Comment:   m.Comment,
		CreatedAt: m.CreatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	var bookID *string
	if strings.TrimSpace(msg.BookID) != "" {
		value := strings.TrimSpace(msg.BookID)
		bookID = &value
	}
	return MessageModel{
		ID:          msg.ID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		BookID:      bookID,
		Subject:     msg.Subject,
		Content:     msg.Content,
		IsRead:      msg.IsRead,
		CreatedAt:   msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	bookID := ""
	if m.BookID != nil {
		bookID = strings.TrimSpace(*m.BookID)
	}
	return domain.Message{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		BookID:      bookID,
		Subject:     m.Subject,
		Content:     m.Content,
		IsRead:      m.IsRead,
		CreatedAt:   m.CreatedAt,
	}
}

func auditToModel(e domain.AuditEvent) (AuditEventModel, error) {
	var detail datatypes.JSON
	if len(e.Detail) > 0 {
		raw, err := json.Marshal(e.Detail)
		if err != nil {
			return AuditEventModel{}, fmt.Errorf("marshal audit detail: %w", err)
		}
		detail = datatypes.JSON(raw)
	}
	return AuditEventModel{
		ID:         e.ID,
		ActorID:    e.ActorID,
		Action:     e.Action,
		ObjectType: e.ObjectType,
		ObjectID:   e.ObjectID,
		Detail:     detail,
		CreatedAt:  e.CreatedAt,
	}, nil
}

func auditFromModel(m AuditEventModel) domain.AuditEvent {
	var detail map[string]string
	if len(m.Detail) > 0 {
		_ = json.Unmarshal(m.Detail, &detail)
	}
	return domain.AuditEvent{
		ID:         m.ID,
		ActorID:    m.ActorID,
		Action:     m.Action,
		ObjectType: m.ObjectType,
		ObjectID:   m.ObjectID,
		Detail:     detail,
		CreatedAt:  m.CreatedAt,
	}
}

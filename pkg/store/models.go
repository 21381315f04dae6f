package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type ProfileModel struct {
	UserID      string `gorm:"primaryKey"`
	FullName    string `gorm:"not null"`
	Email       string `gorm:"not null"`
	Phone       string
	Institution string
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time
}

type RoleModel struct {
	ID         string `gorm:"primaryKey"`
	UserID     string `gorm:"not null;uniqueIndex:idx_role_user_role"`
	Role       string `gorm:"not null;uniqueIndex:idx_role_user_role"`
	AssignedBy string
	CreatedAt  time.Time `gorm:"not null;index"`
}

type BookModel struct {
	ID          string `gorm:"primaryKey"`
	Title       string `gorm:"not null"`
	Author      string
	Description string `gorm:"type:text"`
	Category    string `gorm:"index"`
	ISBN        string
	FileName    string `gorm:"not null"`
	StorageKey  string `gorm:"not null"`
	SizeBytes   int64  `gorm:"not null"`
	PageCount   int
	ContentType string
	UploadedBy  string    `gorm:"not null;index"`
	CreatedAt   time.Time `gorm:"not null;index"`
}

type ReviewModel struct {
	ID        string    `gorm:"primaryKey"`
	BookID    string    `gorm:"not null;index"`
	UserID    string    `gorm:"not null;index"`
	Rating    int       `gorm:"not null"`
	Comment   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"not null;index"`
}

type MessageModel struct {
	ID          string    `gorm:"primaryKey"`
	SenderID    string    `gorm:"not null;index"`
	RecipientID string    `gorm:"not null;index"`
	BookID      *string   `gorm:"index"`
	Subject     string    `gorm:"not null"`
	Content     string    `gorm:"type:text;not null"`
	IsRead      bool      `gorm:"not null;default:false"`
	CreatedAt   time.Time `gorm:"not null;index"`
}

type AuditEventModel struct {
	ID         string `gorm:"primaryKey"`
	ActorID    string `gorm:"not null;index"`
	Action     string `gorm:"not null"`
	ObjectType string `gorm:"not null"`
	ObjectID   string
	Detail     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time      `gorm:"not null;index"`
}

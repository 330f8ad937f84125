package store

import "time"

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         string // empty = no role assigned
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Folder struct {
	ID         string
	Name       string
	CreatorID  string
	OwnerID    string // legacy single-owner field, distinct from creator
	Visibility string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type FolderGrant struct {
	ID        string
	FolderID  string
	UserID    string
	GrantedBy string
	GrantedAt time.Time
}

type Document struct {
	ID           string
	Name         string
	FolderID     *string
	FileName     string
	ObjectKey    string
	ContentType  string
	SizeBytes    int64
	IngestStatus string
	UploadedBy   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Invitation struct {
	ID         string
	Email      string
	Role       string
	TokenHash  string
	CreatedBy  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	AcceptedAt *time.Time
}

type Conversation struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	ID             string
	ConversationID string
	Sender         string // "user" or "assistant"
	Body           string
	CreatedAt      time.Time
}

// Viewer identifies the acting user for visibility-filtered queries.
type Viewer struct {
	UserID string
	Role   string
}

// Document ingest statuses reported back by the workflow system.
const (
	IngestPending  = "pending"
	IngestIndexed  = "indexed"
	IngestFailed   = "failed"
	IngestRemoving = "removing"
)

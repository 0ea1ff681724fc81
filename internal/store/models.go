// Package store implements the embedded relational datastore: schema for
// users, device tokens, conversations, messages, attachments, usage counters
// and exports, behind a single serialized-writer *sql.DB.
package store

import "time"

// User is a registered account.
type User struct {
	ID             string
	Email          string
	PasswordHash   string // empty when the account only has an external identity
	AppleID        string // empty when no external identity is bound
	Tier           string
	PersonaPrompt  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastRefreshAt  *time.Time
}

// DeviceToken is an opaque bearer credential scoped to one user and tier.
type DeviceToken struct {
	ID          string
	UserID      *string // nil only for legacy admin-minted tokens
	TokenHash   string
	TokenPrefix string
	Tier        string
	Status      string // active | disabled
	CreatedAt   time.Time
	ExpiresAt   *time.Time
}

// Active reports whether the token is usable right now.
func (t DeviceToken) Active(now time.Time) bool {
	if t.Status != "active" {
		return false
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Expired reports whether the token's expiry has passed, independent of status.
func (t DeviceToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// UsageDaily is the (token, UTC-day) running counters row.
type UsageDaily struct {
	Token            string
	Day              string // YYYY-MM-DD, UTC
	PromptTokens     int
	CompletionTokens int
	Requests         int
}

// Conversation is a thread of messages owned by one device token.
type Conversation struct {
	ID          string
	DeviceToken string
	Title       string // empty when unset
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one insert-only entry in a conversation's history.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Seq            int64
	CreatedAt      time.Time
}

// ConversationFile is an attachment bound to one conversation.
type ConversationFile struct {
	ID             string
	ConversationID string
	OriginalName   string
	StoredPath     string
	SHA256         string
	MIME           string
	Size           int64
	ExtractedText  string
	CreatedAt      time.Time
}

// UserExport is a row recording a generated data export for a user.
type UserExport struct {
	ID        string
	UserID    string
	FilePath  string
	CreatedAt time.Time
}

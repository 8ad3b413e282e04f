package lorian

import (
	"context"
	"encoding/json"
	"fmt"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"strings"
	"time"
)

const (
	// conversations keep at most this many recent messages
	conversationMaxMessages = 15

	conversationRoleUser      = "user"
	conversationRoleAssistant = "assistant"
)

// ConversationMessage is a single stored chat message
type ConversationMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Conversation is the recent AI channel chat context for a user.
//
//nolint:lll // struct tags can't be split
type Conversation struct {
	ModelUintID
	UserID   string `json:"user_id" gorm:"type:string;uniqueIndex;not null"`
	UserName string `json:"user_name" gorm:"type:string"`

	// Messages is a JSON array of ConversationMessage, capped at
	// conversationMaxMessages
	Messages datatypes.JSON `json:"messages"`

	// TotalMessages counts every message stored, including those
	// since dropped from Messages
	TotalMessages int `json:"total_messages" gorm:"default:0"`

	// SummaryAnalysisCount is the number of times a summary analysis
	// has run for this conversation
	SummaryAnalysisCount int `json:"summary_analysis_count" gorm:"default:0"`

	CreatedAt int64 `json:"created_at" gorm:"autoCreateTime:milli"`
	UpdatedAt int64 `json:"updated_at" gorm:"autoUpdateTime:milli;index"`
}

// History decodes the stored messages, oldest first
func (c *Conversation) History() ([]ConversationMessage, error) {
	if len(c.Messages) == 0 {
		return []ConversationMessage{}, nil
	}
	var messages []ConversationMessage
	if err := json.Unmarshal(c.Messages, &messages); err != nil {
		return nil, fmt.Errorf("error decoding conversation for %s: %w", c.UserID, err)
	}
	return messages, nil
}

// Append adds a message, dropping the oldest messages beyond
// conversationMaxMessages
func (c *Conversation) Append(role string, content string, ts time.Time) error {
	messages, err := c.History()
	if err != nil {
		return err
	}
	messages = append(
		messages,
		ConversationMessage{Role: role, Content: content, Timestamp: ts.UnixMilli()},
	)
	if len(messages) > conversationMaxMessages {
		messages = messages[len(messages)-conversationMaxMessages:]
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("error encoding conversation: %w", err)
	}
	c.Messages = data
	c.TotalMessages++
	return nil
}

// Transcript renders the history as "User: ..." and "Assistant: ..." lines
func (c *Conversation) Transcript() (string, error) {
	messages, err := c.History()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, m := range messages {
		role := "User"
		if m.Role == conversationRoleAssistant {
			role = "Assistant"
		}
		sb.WriteString(role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// getConversation returns the stored conversation for the user, creating
// an empty one if none exists
func (b *Bot) getConversation(ctx context.Context, u *User) (*Conversation, error) {
	c := &Conversation{}
	b.db.Lock()
	defer b.db.Unlock()
	err := b.db.DB().WithContext(ctx).
		Where(Conversation{UserID: u.ID}).
		Attrs(Conversation{UserName: u.DisplayName(), Messages: datatypes.JSON("[]")}).
		FirstOrCreate(c).Error
	if err != nil {
		return nil, fmt.Errorf("error getting conversation for %s: %w", u.ID, err)
	}
	return c, nil
}

// appendConversation adds a message to the user's conversation and saves it
func (b *Bot) appendConversation(
	ctx context.Context,
	c *Conversation,
	role string,
	content string,
) error {
	if err := c.Append(role, content, time.Now()); err != nil {
		return err
	}
	_, err := b.db.Save(ctx, c)
	return err
}

// migrateConversationUserNames fills in missing conversation user names
// from the users table, for conversations stored before names were kept
func migrateConversationUserNames(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Exec(
		`UPDATE conversations SET user_name = (
			SELECT CASE WHEN users.global_name <> '' THEN users.global_name ELSE users.username END
			FROM users WHERE users.id = conversations.user_id
		)
		WHERE (user_name IS NULL OR user_name = '')
		AND EXISTS (SELECT 1 FROM users WHERE users.id = conversations.user_id)`,
	).Error
}

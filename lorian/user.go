package lorian

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"time"
)

const (
	columnUserUsername     = "username"
	columnUserGlobalName   = "global_name"
	columnUserLastSeen     = "last_seen"
	columnUserSummary      = "summary"
	columnUserMessageCount = "message_count"
)

// User is a record of a Discord user seen by the bot.
// See: https://discord.com/developers/docs/resources/user
//
//nolint:lll // struct tags can't be split
type User struct {
	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name
	GlobalName string `json:"global_name" gorm:"type:string"`

	Bot bool `json:"bot" gorm:"type:bool"`

	// JSON content of the discord user object
	Content string `json:"content" gorm:"type:string"`

	// Summary is what the AI has learned about this user, updated
	// by periodic summary analysis of their conversation
	Summary string `json:"summary" gorm:"type:string"`

	// MessageCount is the number of messages this user has sent in
	// the AI channel
	MessageCount int `json:"message_count" gorm:"column:message_count;default:0"`

	// LastSeen is the last time this user was seen in an interaction or
	// a handled message
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	ModelUnixTime
}

func NewUser(u discordgo.User) *User {
	content, _ := json.Marshal(u)
	return &User{
		ID:         u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		Content:    string(content),
		LastSeen:   time.Now().UTC().UnixMilli(),
	}
}

func (u *User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.ID)
}

// DisplayName returns the global name if set, otherwise the username
func (u *User) DisplayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func (u *User) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", u.ID),
		slog.String("username", u.Username),
		slog.String("global_name", u.GlobalName),
	)
}

// setSummary stores a new AI summary for the user
func (u *User) setSummary(ctx context.Context, db DBI, summary string) error {
	if _, err := db.Update(ctx, u, columnUserSummary, summary); err != nil {
		return fmt.Errorf("error updating summary for %s: %w", u.ID, err)
	}
	u.Summary = summary
	return nil
}

// incrementMessageCount records another AI channel message from the user
func (u *User) incrementMessageCount(ctx context.Context, db DBI) error {
	count := u.MessageCount + 1
	if _, err := db.Update(ctx, u, columnUserMessageCount, count); err != nil {
		return err
	}
	u.MessageCount = count
	return nil
}

// discordMessageAuthor returns the author of a message, falling back
// to the member's user
func discordMessageAuthor(m *discordgo.Message) *discordgo.User {
	if m == nil {
		return nil
	}
	if m.Author != nil {
		return m.Author
	}
	if m.Member != nil {
		return m.Member.User
	}
	return nil
}

// getDiscordUser returns the user who triggered the interaction, which
// is Member.User in guilds and User in DMs
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i == nil {
		return nil
	}
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

package lorian

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"strings"
	"time"
)

const (
	feedbackUpvoteEmoji   = "⬆️"
	feedbackDownvoteEmoji = "⬇️"

	// only the newest feedback messages are kept
	feedbackMaxStored = 30

	feedbackWarningDelay = 10 * time.Second
	feedbackRatingStars  = 5

	columnFeedbackUpvotes   = "upvotes"
	columnFeedbackDownvotes = "downvotes"
)

// FeedbackMessage is a feedback post reposted by the bot, keyed by the
// reposted message's ID. Votes are counted from its reactions.
//
//nolint:lll // struct tags can't be split
type FeedbackMessage struct {
	MessageID string `json:"message_id" gorm:"primaryKey;type:string"`
	ChannelID string `json:"channel_id" gorm:"type:string;not null"`
	UserID    string `json:"user_id" gorm:"type:string;index;not null"`
	Username  string `json:"username" gorm:"type:string"`
	Content   string `json:"content" gorm:"type:string"`
	Upvotes   int    `json:"upvotes" gorm:"default:0"`
	Downvotes int    `json:"downvotes" gorm:"default:0"`
	CreatedAt int64  `json:"created_at" gorm:"autoCreateTime:milli;index"`
	UpdatedAt int64  `json:"updated_at" gorm:"autoUpdateTime:milli"`
}

// ratingDisplay renders votes as five stars, filled in proportion to the
// share of upvotes
func ratingDisplay(upvotes, downvotes int) string {
	total := upvotes + downvotes
	if total <= 0 {
		return strings.Repeat("☆", feedbackRatingStars) + " (No votes yet)"
	}
	filled := upvotes * feedbackRatingStars / total
	return fmt.Sprintf(
		"%s%s (%s %d | %s %d)",
		strings.Repeat("⭐", filled),
		strings.Repeat("☆", feedbackRatingStars-filled),
		feedbackUpvoteEmoji, upvotes,
		feedbackDownvoteEmoji, downvotes,
	)
}

// containsFilterWord returns the first filter word found in content,
// ignoring case
func containsFilterWord(content string, words []string) (string, bool) {
	lower := strings.ToLower(content)
	for _, w := range words {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			return w, true
		}
	}
	return "", false
}

// normalizeEmoji strips the variation selector discord may or may not
// include in unicode emoji names
func normalizeEmoji(name string) string {
	return strings.TrimSuffix(name, "\ufe0f")
}

// countVotes counts the up/down reactions on a message, excluding the
// bot's own reactions
func countVotes(reactions []*discordgo.MessageReactions) (up int, down int) {
	for _, r := range reactions {
		if r == nil || r.Emoji == nil {
			continue
		}
		n := r.Count
		if r.Me {
			n--
		}
		n = max(n, 0)
		switch normalizeEmoji(r.Emoji.Name) {
		case normalizeEmoji(feedbackUpvoteEmoji):
			up += n
		case normalizeEmoji(feedbackDownvoteEmoji):
			down += n
		}
	}
	return up, down
}

func commandFeedbackSetup(
	ctx context.Context,
	b *Bot,
	handler InteractionHandler,
	u *User,
) error {
	if !b.isOwner(u.ID) {
		return ErrNotAdmin
	}
	channelID := b.config.Channels.Feedback
	if channelID == "" {
		return ErrMissingChannel
	}

	msg, err := b.discord.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{
				{
					Title:       b.lang.Text("feedback.setup_title", nil),
					Description: b.lang.Text("feedback.setup_description", nil),
					Color:       colorFeedback,
					Thumbnail:   &discordgo.MessageEmbedThumbnail{URL: b.lang.Image("showing.feedback")},
					Footer:      &discordgo.MessageEmbedFooter{Text: b.lang.Text("feedback.setup_footer", nil)},
				},
			},
		},
	)
	if err != nil {
		return fmt.Errorf("error posting feedback setup message: %w", err)
	}
	if _, err = b.db.Create(
		ctx,
		&ButtonMessage{MessageID: msg.ID, ChannelID: channelID, Kind: buttonMessageKindFeedback},
	); err != nil {
		_, logger := b.getLogger(ctx)
		logger.ErrorContext(ctx, "error saving feedback setup message", tint.Err(err))
	}

	_ = handler.Respond(
		ctx,
		ephemeralResponse(b.lang.Textf("feedback.setup_success", "channel", channelMention(channelID))),
	)
	return nil
}

// handleFeedbackMessage reposts a message from the feedback channel as a
// rated embed. Messages containing a filter word are removed instead, with
// a short-lived warning.
func (b *Bot) handleFeedbackMessage(ctx context.Context, m *discordgo.Message) error {
	_, logger := b.getLogger(ctx)
	author := discordMessageAuthor(m)
	if author == nil || author.Bot {
		return nil
	}
	session := b.discord.session

	if word, filtered := containsFilterWord(m.Content, b.RuntimeConfig().FilterWords()); filtered {
		logger.InfoContext(ctx, "filtered feedback message", "filter_word", word)
		if err := session.ChannelMessageDelete(m.ChannelID, m.ID); err != nil {
			return fmt.Errorf("error deleting filtered message: %w", err)
		}
		warning, err := session.ChannelMessageSend(
			m.ChannelID,
			b.lang.Textf("feedback.filtered", "user", userMention(author.ID)),
		)
		if err != nil {
			return fmt.Errorf("error sending filter warning: %w", err)
		}
		b.after(
			ctx, feedbackWarningDelay, func() {
				_ = session.ChannelMessageDelete(warning.ChannelID, warning.ID)
			},
		)
		return nil
	}

	if err := session.ChannelMessageDelete(m.ChannelID, m.ID); err != nil {
		logger.WarnContext(ctx, "error deleting original feedback message", tint.Err(err))
	}

	name := author.GlobalName
	if name == "" {
		name = author.Username
	}
	embed := &discordgo.MessageEmbed{
		Author: &discordgo.MessageEmbedAuthor{
			Name:    name,
			IconURL: author.AvatarURL(""),
		},
		Description: truncate(m.Content, discordMaxEmbedDescriptionLength),
		Color:       colorFeedback,
		Fields: []*discordgo.MessageEmbedField{
			{Name: b.lang.Text("feedback.rating_field", nil), Value: ratingDisplay(0, 0)},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: b.lang.Textf("feedback.footer", "name", name, "id", m.ID),
		},
		Timestamp: time.Now().Format(time.RFC3339),
	}
	posted, err := session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
	)
	if err != nil {
		return fmt.Errorf("error reposting feedback: %w", err)
	}
	for _, emoji := range []string{feedbackUpvoteEmoji, feedbackDownvoteEmoji} {
		if reactErr := session.MessageReactionAdd(posted.ChannelID, posted.ID, emoji); reactErr != nil {
			logger.WarnContext(ctx, "error adding feedback reaction", tint.Err(reactErr))
		}
	}

	feedback := &FeedbackMessage{
		MessageID: posted.ID,
		ChannelID: posted.ChannelID,
		UserID:    author.ID,
		Username:  author.Username,
		Content:   m.Content,
	}
	if _, err = b.db.Create(ctx, feedback); err != nil {
		return fmt.Errorf("error saving feedback: %w", err)
	}
	removed, err := b.trimFeedback(ctx)
	if err != nil {
		return fmt.Errorf("error trimming feedback: %w", err)
	}
	logger.InfoContext(ctx, "stored feedback", "message_id", posted.ID, "trimmed", removed)
	return nil
}

// trimFeedback deletes all but the newest feedbackMaxStored messages
func (b *Bot) trimFeedback(ctx context.Context) (int64, error) {
	var ids []string
	if err := b.db.DB().WithContext(ctx).
		Model(&FeedbackMessage{}).
		Order("created_at desc, message_id desc").
		Pluck("message_id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) <= feedbackMaxStored {
		return 0, nil
	}
	return b.db.Delete(ctx, &FeedbackMessage{}, "message_id IN ?", ids[feedbackMaxStored:])
}

// handleReactionChange recounts the votes on a tracked feedback message
// when an up/down reaction is added or removed
func (b *Bot) handleReactionChange(ctx context.Context, r *discordgo.MessageReaction) {
	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()
	if r == nil {
		return
	}
	switch normalizeEmoji(r.Emoji.Name) {
	case normalizeEmoji(feedbackUpvoteEmoji), normalizeEmoji(feedbackDownvoteEmoji):
	default:
		return
	}
	if r.UserID != "" && r.UserID == b.discord.BotUserID() {
		return
	}

	_, logger := b.getLogger(ctx)
	var feedback FeedbackMessage
	err := b.db.DB().WithContext(ctx).Where("message_id = ?", r.MessageID).Take(&feedback).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "error getting feedback message", tint.Err(err))
		return
	}
	if err = b.updateFeedbackVotes(ctx, &feedback); err != nil {
		logger.ErrorContext(ctx, "error updating feedback votes", tint.Err(err))
	}
}

func (b *Bot) updateFeedbackVotes(ctx context.Context, feedback *FeedbackMessage) error {
	msg, err := b.discord.session.ChannelMessage(feedback.ChannelID, feedback.MessageID)
	if err != nil {
		return fmt.Errorf("error getting message: %w", err)
	}
	up, down := countVotes(msg.Reactions)

	if _, err = b.db.Updates(
		ctx,
		feedback,
		map[string]any{columnFeedbackUpvotes: up, columnFeedbackDownvotes: down},
	); err != nil {
		return err
	}

	if len(msg.Embeds) == 0 {
		return nil
	}
	embed := msg.Embeds[0]
	rating := ratingDisplay(up, down)
	ratingName := b.lang.Text("feedback.rating_field", nil)
	updated := false
	for _, f := range embed.Fields {
		if f.Name == ratingName {
			f.Value = rating
			updated = true
		}
	}
	if !updated {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: ratingName, Value: rating})
	}
	_, err = b.discord.session.ChannelMessageEditComplex(
		discordgo.NewMessageEdit(feedback.ChannelID, feedback.MessageID).SetEmbeds(msg.Embeds),
	)
	return err
}

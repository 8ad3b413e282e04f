package lorian

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"time"
)

// BotStats are the counts shown by /stats and the admin API
type BotStats struct {
	Conversations    int64     `json:"conversations"`
	TotalMessages    int64     `json:"total_messages"`
	Users            int64     `json:"users"`
	OpenTickets      int64     `json:"open_tickets"`
	OpenCommissions  int64     `json:"open_commissions"`
	FeedbackMessages int64     `json:"feedback_messages"`
	PendingReminders int64     `json:"pending_reminders"`
	ButtonMessages   int64     `json:"button_messages"`
	Interactions     int64     `json:"interactions"`
	MessagesHandled  int64     `json:"messages_handled"`
	RemindersSent    int64     `json:"reminders_sent"`
	Uptime           string    `json:"uptime"`
	LastUpdated      time.Time `json:"last_updated"`
}

func (b *Bot) collectStats(ctx context.Context) (BotStats, error) {
	db := b.db.DB().WithContext(ctx)
	stats := BotStats{
		Interactions:    b.metricInteractions.Load(),
		MessagesHandled: b.metricMessagesHandled.Load(),
		RemindersSent:   b.remindersSent.Load(),
		Uptime:          formatUptime(b.Uptime()),
	}

	count := func(model any, dest *int64, query string, args ...any) error {
		q := db.Model(model)
		if query != "" {
			q = q.Where(query, args...)
		}
		return q.Count(dest).Error
	}

	var totalMessages *int64
	sumErr := db.Model(&Conversation{}).
		Select("sum(total_messages)").
		Scan(&totalMessages).Error
	if totalMessages != nil {
		stats.TotalMessages = *totalMessages
	}

	err := errors.Join(
		count(&Conversation{}, &stats.Conversations, ""),
		sumErr,
		count(&User{}, &stats.Users, "bot = ?", false),
		count(&Ticket{}, &stats.OpenTickets, "kind = ?", TicketKindTicket),
		count(&Ticket{}, &stats.OpenCommissions, "kind = ?", TicketKindCommission),
		count(&FeedbackMessage{}, &stats.FeedbackMessages, ""),
		count(&Reminder{}, &stats.PendingReminders, "sent = ?", false),
		count(&ButtonMessage{}, &stats.ButtonMessages, ""),
	)
	if err != nil {
		return stats, fmt.Errorf("error collecting stats: %w", err)
	}

	var last Conversation
	switch lastErr := db.Order("updated_at desc").Take(&last).Error; {
	case lastErr == nil:
		stats.LastUpdated = time.UnixMilli(last.UpdatedAt)
	case errors.Is(lastErr, gorm.ErrRecordNotFound):
		stats.LastUpdated = time.Now()
	default:
		return stats, fmt.Errorf("error collecting stats: %w", lastErr)
	}
	return stats, nil
}

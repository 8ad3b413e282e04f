package lorian

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"regexp"
	"strings"
	"sync"
	"testing"
)

func TestTicketChannelName(t *testing.T) {
	testCases := []struct {
		kind     TicketKind
		username string
		want     string
	}{
		{TicketKindTicket, "SomeUser", "ticket-someuser"},
		{TicketKindCommission, "some.user", "commission-some-user"},
		{TicketKindTicket, "名前", "ticket"},
		{TicketKindTicket, "__ok__", "ticket-__ok__"},
		{TicketKindTicket, "a  b!!", "ticket-a-b"},
		{TicketKindTicket, strings.Repeat("x", 200), "ticket-" + strings.Repeat("x", 93)},
	}
	for _, tc := range testCases {
		t.Run(
			tc.username, func(t *testing.T) {
				assert.Equal(t, tc.want, ticketChannelName(tc.kind, tc.username))
			},
		)
	}
}

func TestNewTicketID(t *testing.T) {
	id, err := newTicketID(TicketKindCommission, "123")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^commission-123-[0-9a-f]{8}$`), id)

	other, err := newTicketID(TicketKindCommission, "123")
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestTicketPermissionOverwrites(t *testing.T) {
	overwrites := ticketPermissionOverwrites(testGuildID, "user", testBotUserID, "user")
	require.Len(t, overwrites, 3)

	everyone := overwrites[0]
	assert.Equal(t, testGuildID, everyone.ID)
	assert.Equal(t, discordgo.PermissionOverwriteTypeRole, everyone.Type)
	assert.Equal(t, int64(discordgo.PermissionViewChannel), everyone.Deny)

	assert.Equal(t, "user", overwrites[1].ID)
	assert.Equal(t, testBotUserID, overwrites[2].ID)
	for _, o := range overwrites[1:] {
		assert.Equal(t, discordgo.PermissionOverwriteTypeMember, o.Type)
		assert.Equal(t, int64(ticketMemberPermissions), o.Allow)
	}

	assert.Len(t, ticketPermissionOverwrites(testGuildID, "user", "", ""), 2)
}

func TestTicketSetup(t *testing.T) {
	owner := newDiscordUser(testOwnerID, "owner")

	t.Run(
		"posts panel", func(t *testing.T) {
			b, session := newTestBot(t)
			handler := runCommand(t, b, newCommandInteraction(owner, DiscordSlashCommandTicketSetup))

			sent := session.sentTo(b.config.Channels.Ticket)
			require.Len(t, sent, 1)
			row, ok := sent[0].Components[0].(discordgo.ActionsRow)
			require.True(t, ok)
			button, ok := row.Components[0].(discordgo.Button)
			require.True(t, ok)
			assert.Equal(t, ticketCreateCustomID, button.CustomID)

			var stored []ButtonMessage
			require.NoError(t, b.db.DB().Find(&stored).Error)
			require.Len(t, stored, 1)
			assert.Equal(t, string(TicketKindTicket), stored[0].Kind)
			assert.Equal(t, b.config.Channels.Ticket, stored[0].ChannelID)

			assert.Equal(
				t,
				b.lang.Textf("ticket.setup_success", "channel", channelMention(b.config.Channels.Ticket)),
				handler.lastResponse(t).Data.Content,
			)
		},
	)

	t.Run(
		"commission panel", func(t *testing.T) {
			b, session := newTestBot(t)
			runCommand(t, b, newCommandInteraction(owner, DiscordSlashCommandCommissionSetup))
			sent := session.sentTo(b.config.Channels.Commission)
			require.Len(t, sent, 1)
			button := sent[0].Components[0].(discordgo.ActionsRow).Components[0].(discordgo.Button)
			assert.Equal(t, commissionCreateCustomID, button.CustomID)
		},
	)

	t.Run(
		"not owner", func(t *testing.T) {
			b, session := newTestBot(t)
			u := newDiscordUser("300000000000000001", "someone")
			handler := runCommand(t, b, newCommandInteraction(u, DiscordSlashCommandTicketSetup))
			assert.Equal(t, b.lang.Text("general.owner_only", nil), handler.lastResponse(t).Data.Content)
			assert.Empty(t, session.sentTo(b.config.Channels.Ticket))
		},
	)

	t.Run(
		"missing channel", func(t *testing.T) {
			cfg := newTestConfig(t)
			cfg.Channels.Ticket = ""
			b, _ := newTestBotWithConfig(t, cfg)
			handler := runCommand(t, b, newCommandInteraction(owner, DiscordSlashCommandTicketSetup))
			assert.Equal(
				t,
				b.lang.Text("general.missing_channel", nil),
				handler.lastResponse(t).Data.Content,
			)
		},
	)
}

func TestTicketLifecycle(t *testing.T) {
	b, session := newTestBot(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	u := newDiscordUser("300000000000000001", "Some.User")

	create := newStubInteractionHandler(t, newComponentInteraction(u, ticketCreateCustomID))
	b.handleInteraction(ctx, create)

	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		create.lastResponse(t).Type,
	)

	session.mu.Lock()
	require.Len(t, session.createdChannels, 1)
	created := session.createdChannels[0]
	session.mu.Unlock()
	assert.Equal(t, "ticket-some-user", created.Name)
	assert.Equal(t, discordgo.ChannelTypeGuildText, created.Type)
	assert.Len(t, created.PermissionOverwrites, 4)

	ticket, err := b.openTicket(ctx, TicketKindTicket, u.ID)
	require.NoError(t, err)
	require.NotNil(t, ticket)
	assert.Equal(t, created.Topic, ticket.ID)
	assert.Equal(
		t,
		b.lang.Textf("ticket.created", "channel", channelMention(ticket.ChannelID)),
		create.lastEdit(t),
	)

	welcome := session.sentTo(ticket.ChannelID)
	require.Len(t, welcome, 1)
	closeButton := welcome[0].Components[0].(discordgo.ActionsRow).Components[0].(discordgo.Button)
	assert.Equal(t, ticketClosePrefix+ticket.ID, closeButton.CustomID)

	t.Run(
		"second ticket rejected", func(t *testing.T) {
			again := newStubInteractionHandler(t, newComponentInteraction(u, ticketCreateCustomID))
			b.handleInteraction(ctx, again)
			assert.Equal(t, b.lang.Text("ticket.already_open", nil), again.lastResponse(t).Data.Content)

			session.mu.Lock()
			defer session.mu.Unlock()
			assert.Len(t, session.createdChannels, 1)
		},
	)

	t.Run(
		"a commission can be opened alongside", func(t *testing.T) {
			commission := newStubInteractionHandler(
				t,
				newComponentInteraction(u, commissionCreateCustomID),
			)
			b.handleInteraction(ctx, commission)
			open, openErr := b.openTicket(ctx, TicketKindCommission, u.ID)
			require.NoError(t, openErr)
			require.NotNil(t, open)
			assert.True(t, strings.HasPrefix(open.ID, "commission-"+u.ID+"-"))
		},
	)

	t.Run(
		"other users can't close", func(t *testing.T) {
			other := newDiscordUser("300000000000000009", "other")
			closeHandler := newStubInteractionHandler(
				t,
				newComponentInteraction(other, ticketClosePrefix+ticket.ID),
			)
			b.handleInteraction(ctx, closeHandler)
			assert.Equal(
				t,
				b.lang.Text("ticket.not_owner", nil),
				closeHandler.lastResponse(t).Data.Content,
			)
			stillOpen, openErr := b.openTicket(ctx, TicketKindTicket, u.ID)
			require.NoError(t, openErr)
			assert.NotNil(t, stillOpen)
		},
	)

	t.Run(
		"creator closes", func(t *testing.T) {
			closeHandler := newStubInteractionHandler(
				t,
				newComponentInteraction(u, ticketClosePrefix+ticket.ID),
			)
			b.handleInteraction(ctx, closeHandler)
			resp := closeHandler.lastResponse(t)
			require.Len(t, resp.Data.Embeds, 1)
			assert.Equal(t, b.lang.Text("ticket.closing_title", nil), resp.Data.Embeds[0].Title)
			assert.Contains(t, resp.Data.Embeds[0].Description, "3 seconds")

			closed, openErr := b.openTicket(ctx, TicketKindTicket, u.ID)
			require.NoError(t, openErr)
			assert.Nil(t, closed)

			var stored Ticket
			require.NoError(
				t,
				b.db.DB().Unscoped().Where("id = ?", ticket.ID).Take(&stored).Error,
			)
			assert.Equal(t, u.ID, stored.ClosedBy)
			assert.True(t, stored.DeletedAt.Valid)

			// canceling runs the delayed channel deletion immediately
			cancel()
			b.runtimeWG.Wait()
			session.mu.Lock()
			defer session.mu.Unlock()
			assert.Contains(t, session.deletedChannels, ticket.ChannelID)
		},
	)
}

func TestTicketCreate_Concurrent(t *testing.T) {
	b, session := newTestBot(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	u := newDiscordUser("300000000000000001", "Some.User")

	const attempts = 5
	handlers := make([]*stubInteractionHandler, attempts)
	var wg sync.WaitGroup
	for n := range handlers {
		handlers[n] = newStubInteractionHandler(t, newComponentInteraction(u, ticketCreateCustomID))
		wg.Add(1)
		go func(h *stubInteractionHandler) {
			defer wg.Done()
			b.handleInteraction(ctx, h)
		}(handlers[n])
	}
	wg.Wait()

	session.mu.Lock()
	assert.Len(t, session.createdChannels, 1)
	session.mu.Unlock()

	var count int64
	require.NoError(
		t,
		b.db.DB().Model(&Ticket{}).
			Where("kind = ? AND user_id = ?", TicketKindTicket, u.ID).
			Count(&count).Error,
	)
	assert.Equal(t, int64(1), count)

	alreadyOpen := 0
	for _, h := range handlers {
		if h.lastResponse(t).Data != nil &&
			h.lastResponse(t).Data.Content == b.lang.Text("ticket.already_open", nil) {
			alreadyOpen++
		}
	}
	assert.Equal(t, attempts-1, alreadyOpen)
}

func TestTicketCloseCommand(t *testing.T) {
	b, _ := newTestBot(t)
	ctx := context.Background()
	u := newDiscordUser("300000000000000001", "someone")

	handler := runCommand(t, b, newCommandInteraction(u, DiscordSlashCommandTicketClose))
	assert.Equal(
		t,
		b.lang.Text("ticket.not_ticket_channel", nil),
		handler.lastResponse(t).Data.Content,
	)

	ticket := &Ticket{
		ID:        "commission-" + u.ID + "-abcdef01",
		Kind:      TicketKindCommission,
		UserID:    u.ID,
		ChannelID: testChannelID,
		GuildID:   testGuildID,
	}
	_, err := b.db.Create(ctx, ticket)
	require.NoError(t, err)

	owner := newDiscordUser(testOwnerID, "owner")
	ownerCtx, cancel := context.WithCancel(ctx)
	closeHandler := newStubInteractionHandler(
		t,
		newCommandInteraction(owner, DiscordSlashCommandCommissionClose),
	)
	b.handleInteraction(ownerCtx, closeHandler)
	cancel()

	resp := closeHandler.lastResponse(t)
	require.Len(t, resp.Data.Embeds, 1)
	assert.Contains(t, resp.Data.Embeds[0].Description, "10 seconds")

	open, err := b.openTicket(ctx, TicketKindCommission, u.ID)
	require.NoError(t, err)
	assert.Nil(t, open)
}

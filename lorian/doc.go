// Package lorian implements Lorian's Discord bot.
//
// The bot connects to the Discord gateway, registers a set of slash
// commands and message components, and reacts to gateway events:
//
//   - /ping, /info, /hola and /help answer with fixed text or embeds.
//   - /stats, /images, /purge and the "User Info" context menu expose
//     server utilities.
//   - /reminder schedules messages which a background worker delivers to
//     the reminder channel.
//   - Ticket and commission setup posts open private channels on request.
//   - Messages in the feedback channel are filtered, reposted as embeds and
//     rated with reactions.
//   - Messages in the AI channel are answered through an OpenAI-compatible
//     chat completions API, keeping a short per-user conversation.
//
// All state (tickets, commissions, feedback, conversations, reminders and
// the runtime configuration) is persisted through GORM, to a sqlite file by
// default, so it survives restarts. An optional admin API and an optional
// interactions webhook server are served with gin.
package lorian

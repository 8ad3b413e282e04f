package lorian

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

const (
	ownerInfoFile = "owner_info.toml"

	// a summary analysis runs every time a user's AI channel message
	// count reaches a multiple of this
	summaryAnalysisInterval = 20

	aiRateLimitedEmoji   = "⏳"
	aiDefaultColor       = "#00BFFF"
	aiDefaultThumbnail   = "pointing"
	columnConversationSA = "summary_analysis_count"
)

var (
	ErrAIDisabled     = errors.New("ai is not configured")
	ErrEmptyAIReply   = errors.New("empty reply from ai")
	aiContentRe       = regexp.MustCompile(`"content"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	aiColorRe         = regexp.MustCompile(`"color"\s*:\s*"([^"]+)"`)
	aiThumbnailRe     = regexp.MustCompile(`"thumbnail"\s*:\s*"([^"]+)"`)
	aiImageCategories = []string{"avatar", "emotions", "reactions", "talking", "thinking", "showing", "misc"}
)

// aiColors are the named colors the AI may choose for its reply embed
var aiColors = []struct {
	Name string
	Hex  string
	Mood string
}{
	{"base-purple", "#695acd", "neutral/default/calm"},
	{"light-purple", "#7b6fd3", "happy/positive"},
	{"deep-purple", "#5048c7", "thoughtful/contemplative"},
	{"cool-blue", "#4a90e2", "helpful/informative"},
	{"sky-blue", "#6fa8dc", "friendly/welcoming"},
	{"soft-violet", "#8e7cc3", "curious/interested"},
	{"dark-slate", "#2d3748", "professional/serious"},
	{"bright-violet", "#805ad5", "excited/energetic"},
	{"indigo", "#4c51bf", "creative/artistic"},
	{"periwinkle", "#667eea", "encouraging/supportive"},
}

// ChatCompletionClient is the subset of the go-openai client used by AI
type ChatCompletionClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// AI answers messages in the AI channel using an OpenAI-compatible chat
// completions endpoint (Gemini by default).
type AI struct {
	client ChatCompletionClient
	config *AIConfig
	logger *slog.Logger
	owner  OwnerInfo

	// per-user request limiters
	limiters map[string]*rate.Limiter

	// userLocks serialize each user's messages, so concurrent messages
	// don't overwrite each other's conversation updates
	userLocks map[string]*sync.Mutex
	mu        sync.Mutex
}

func newAI(config *AIConfig, httpClient *http.Client) *AI {
	a := &AI{
		config:   config,
		limiters:  map[string]*rate.Limiter{},
		userLocks: map[string]*sync.Mutex{},
		owner:     defaultOwnerInfo(),
		logger:    newComponentLogger("ai", config.LogLevel),
	}
	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	a.client = openai.NewClientWithConfig(clientCfg)
	return a
}

// allow reports whether the user may make another request now
func (a *AI) allow(userID string) bool {
	if a.config.RequestsPerMinute <= 0 {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	limiter, ok := a.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(
			rate.Limit(a.config.RequestsPerMinute/60),
			max(a.config.RequestBurst, 1),
		)
		a.limiters[userID] = limiter
	}
	return limiter.Allow()
}

// lockUser blocks until no other message from the user is being
// handled, and returns the func releasing the lock
func (a *AI) lockUser(userID string) func() {
	a.mu.Lock()
	l, ok := a.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		a.userLocks[userID] = l
	}
	a.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// complete sends the prompt as a single user message, and returns the
// text of the first choice
func (a *AI) complete(ctx context.Context, prompt string) (string, error) {
	if !a.config.Enabled() {
		return "", ErrAIDisabled
	}
	if a.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
	}
	resp, err := a.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: a.config.Model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
			Temperature: a.config.Temperature,
			TopP:        a.config.TopP,
			MaxTokens:   a.config.MaxTokens,
		},
	)
	if err != nil {
		return "", fmt.Errorf("error creating chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyAIReply
	}
	a.logger.DebugContext(
		ctx,
		"chat completion",
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"finish_reason", resp.Choices[0].FinishReason,
	)
	return resp.Choices[0].Message.Content, nil
}

// OwnerInfo describes the bot owner, and the personality the AI should
// adopt. It's loaded from <data_dir>/owner_info.toml.
type OwnerInfo struct {
	Owner struct {
		Name      string   `mapstructure:"name"`
		Email     string   `mapstructure:"email"`
		DiscordID string   `mapstructure:"discord_id"`
		Skills    []string `mapstructure:"skills"`
		Bio       string   `mapstructure:"bio"`
	} `mapstructure:"owner"`
	Context struct {
		Personality        string `mapstructure:"personality"`
		CommunicationStyle string `mapstructure:"communication_style"`
		SpecialtiesFocus   string `mapstructure:"specialties_focus"`
	} `mapstructure:"context"`
	Behavior struct {
		SarcasmLevel        string `mapstructure:"sarcasm_level"`
		HumorStyle          string `mapstructure:"humor_style"`
		Formality           string `mapstructure:"formality"`
		IntelligenceDisplay string `mapstructure:"intelligence_display"`
		ResponseStyle       string `mapstructure:"response_style"`
	} `mapstructure:"ai_behavior"`
}

func defaultOwnerInfo() OwnerInfo {
	var o OwnerInfo
	o.Owner.Name = "TheLorian"
	o.Owner.Skills = []string{
		"Discord Bot Development",
		"Web Development",
		"Graphic Design",
		"Technology Consulting",
	}
	o.Owner.Bio = "Creative developer building Discord bots, web applications " +
		"and technology solutions for unique projects."
	o.Context.Personality = "Functional and direct, with adjustable humor. " +
		"Intelligent and capable, without rubbing it in (much)."
	o.Context.CommunicationStyle = "Formal and precise, with a touch of elegant British sarcasm."
	o.Context.SpecialtiesFocus = "Technology solutions, bot development, and creative projects"
	o.Behavior.SarcasmLevel = "Moderate"
	o.Behavior.HumorStyle = "British-elegant"
	o.Behavior.Formality = "Professional-casual"
	o.Behavior.IntelligenceDisplay = "Subtle"
	o.Behavior.ResponseStyle = "Quick and confident"
	return o
}

// loadOwnerInfo reads owner_info.toml from dataDir. If the file doesn't
// exist, the built-in defaults are returned with os.ErrNotExist.
func loadOwnerInfo(dataDir string) (OwnerInfo, error) {
	info := defaultOwnerInfo()
	data, err := os.ReadFile(filepath.Join(dataDir, ownerInfoFile))
	if err != nil {
		return info, err
	}
	v := viper.New()
	v.SetConfigType("toml")
	if err = v.ReadConfig(bytes.NewReader(data)); err != nil {
		return info, fmt.Errorf("error parsing %s: %w", ownerInfoFile, err)
	}
	var loaded OwnerInfo
	if err = v.Unmarshal(&loaded); err != nil {
		return info, fmt.Errorf("error decoding %s: %w", ownerInfoFile, err)
	}
	if loaded.Owner.Name == "" {
		return info, fmt.Errorf("%s: owner.name is required", ownerInfoFile)
	}
	return loaded, nil
}

// Emotion is used to style a reply when the AI didn't return usable JSON
type Emotion struct {
	Name      string
	Keywords  []string
	Color     int
	Thumbnail string
}

var emotions = []Emotion{
	{"Happy", []string{"feliz", "genial", "excelente", "perfecto", "increíble", "happy", "great", "😊", "🎉"}, 0xffd700, "emotions.happy"},
	{"Excited", []string{"emocionante", "fantástico", "asombroso", "wow", "guau", "amazing", "🚀", "⭐"}, 0xff4500, "emotions.excited"},
	{"Helpful", []string{"ayuda", "puedo ayudar", "aquí tienes", "te explico", "help", "here is", "💡", "🤝"}, 0x00bfff, "talking.explaining"},
	{"Thoughtful", []string{"considera", "piensa", "reflexiona", "analiza", "consider", "🤔", "💭"}, 0x8a2be2, "thinking.thinking"},
	{"Curious", []string{"interesante", "dime más", "cuéntame", "explícame", "interesting", "❓", "🔍"}, 0xff1493, "talking.curious"},
	{"Friendly", []string{"hola", "saludos", "encantado", "un placer", "hello", "👋", "😄"}, 0x32cd32, "emotions.friendly"},
	{"Professional", []string{"servicio", "trabajo", "proyecto", "empresa", "negocio", "project", "💼", "👔"}, 0x191970, "avatar.professional"},
	{"Creative", []string{"diseño", "arte", "creatividad", "idea", "innovador", "design", "🎨", "✨"}, 0xba55d3, "emotions.creative"},
	{"Encouraging", []string{"puedes", "lograrás", "adelante", "ánimo", "éxito", "you can", "💪", "🌟"}, 0x228b22, "emotions.thumbs_up"},
}

var emotionNeutral = Emotion{Name: "Neutral", Color: 0x808080, Thumbnail: "avatar.pointing"}

// detectEmotion returns the emotion with the most keyword matches in
// text. Ties go to the earlier emotion, and no matches is Neutral.
func detectEmotion(text string) Emotion {
	lower := strings.ToLower(text)
	best := emotionNeutral
	bestScore := 0
	for _, e := range emotions {
		score := 0
		for _, k := range e.Keywords {
			if strings.Contains(lower, k) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = e, score
		}
	}
	return best
}

// AIReply is the JSON object the AI is asked to reply with
type AIReply struct {
	Content   string `json:"content"`
	Color     string `json:"color"`
	Thumbnail string `json:"thumbnail"`

	// emotion is set when the reply wasn't usable JSON
	emotion *Emotion
}

// parseAIReply parses the model's reply. If it isn't valid JSON, the
// outermost {...} is tried, then the fields are extracted individually.
// As a last resort the raw text is used, styled by detectEmotion.
func parseAIReply(raw string) AIReply {
	raw = strings.TrimSpace(raw)
	var reply AIReply
	if err := json.Unmarshal([]byte(raw), &reply); err == nil && reply.Content != "" {
		return reply
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		candidate := raw[start : end+1]
		if err := json.Unmarshal([]byte(candidate), &reply); err == nil && reply.Content != "" {
			return reply
		}
		if repaired, ok := repairAIReply(candidate); ok {
			return repaired
		}
	}

	emotion := detectEmotion(raw)
	return AIReply{Content: raw, emotion: &emotion}
}

// repairAIReply extracts the reply fields from malformed JSON
func repairAIReply(s string) (AIReply, bool) {
	m := aiContentRe.FindStringSubmatch(s)
	if m == nil {
		return AIReply{}, false
	}
	content, err := strconv.Unquote(`"` + m[1] + `"`)
	if err != nil {
		content = m[1]
	}
	if strings.TrimSpace(content) == "" {
		return AIReply{}, false
	}
	reply := AIReply{Content: content, Color: aiDefaultColor, Thumbnail: aiDefaultThumbnail}
	if c := aiColorRe.FindStringSubmatch(s); c != nil {
		reply.Color = c[1]
	}
	if t := aiThumbnailRe.FindStringSubmatch(s); t != nil {
		reply.Thumbnail = t[1]
	}
	return reply, true
}

// parseAIColor parses "#rrggbb" or one of the aiColors names, defaulting
// to the base purple
func parseAIColor(s string) int {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, c := range aiColors {
		if s == c.Name {
			s = c.Hex
			break
		}
	}
	if strings.HasPrefix(s, "#") && len(s) == 7 {
		if v, err := strconv.ParseUint(s[1:], 16, 32); err == nil {
			return int(v)
		}
	}
	return colorDefault
}

// summaryAnalysis is the JSON object returned by the summary prompt
type summaryAnalysis struct {
	UpdateSummary bool   `json:"update_summary"`
	Content       string `json:"content"`
}

func parseSummaryAnalysis(raw string) (summaryAnalysis, error) {
	var s summaryAnalysis
	raw = strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(raw), &s); err == nil {
		return s, nil
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return s, errors.New("no JSON object in summary analysis")
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &s); err != nil {
		return s, fmt.Errorf("error parsing summary analysis: %w", err)
	}
	return s, nil
}

// resolveThumbnail finds the image for a thumbnail name returned by
// the AI, which may or may not include its category
func (l *Lang) resolveThumbnail(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if strings.Contains(name, ".") {
		return l.Image(name)
	}
	for _, category := range aiImageCategories {
		key := category + "." + name
		if l.images.IsSet(key) {
			return l.images.GetString(key)
		}
	}
	return l.Image("avatar.default")
}

// buildChatPrompt assembles the prompt for a reply to message, from the
// owner info, the user's summary, the available emojis, thumbnails and
// colors, and the conversation so far
func (b *Bot) buildChatPrompt(u *User, transcript string, message string) string {
	owner := b.ai.owner
	var sb strings.Builder
	w := func(format string, args ...any) {
		fmt.Fprintf(&sb, format, args...)
	}

	w("You are the AI assistant of %s, answering messages in their Discord server.\n", owner.Owner.Name)
	w("About %s:\n", owner.Owner.Name)
	w("- Name: %s\n", owner.Owner.Name)
	if owner.Owner.Email != "" {
		w("- Email: %s\n", owner.Owner.Email)
	}
	if len(owner.Owner.Skills) > 0 {
		w("- Skills: %s\n", strings.Join(owner.Owner.Skills, ", "))
	}
	if owner.Owner.Bio != "" {
		w("- Bio: %s\n", owner.Owner.Bio)
	}
	if owner.Context.Personality != "" {
		w("- Personality: %s\n", owner.Context.Personality)
	}
	if owner.Context.CommunicationStyle != "" {
		w("- Communication Style: %s\n", owner.Context.CommunicationStyle)
	}
	if owner.Context.SpecialtiesFocus != "" {
		w("- Focus Areas: %s\n", owner.Context.SpecialtiesFocus)
	}

	w("\n## Personality\n")
	for _, p := range [][2]string{
		{"Sarcasm Level", owner.Behavior.SarcasmLevel},
		{"Humor Style", owner.Behavior.HumorStyle},
		{"Formality Level", owner.Behavior.Formality},
		{"Intelligence Display", owner.Behavior.IntelligenceDisplay},
		{"Response Style", owner.Behavior.ResponseStyle},
	} {
		if p[1] != "" {
			w("**%s:** %s\n", p[0], p[1])
		}
	}
	w("Be witty and occasionally sarcastic, but always helpful. Never be mean-spirited.\n\n")

	w("**Current User:** You are speaking with %s\n", u.DisplayName())
	if u.Summary != "" {
		w("**User Summary:** %s\n", u.Summary)
	}

	if keys := b.lang.EmojiKeys(); len(keys) > 0 {
		w("\n## Available Custom Emojis\n")
		w("Use these sparingly, and never use other emojis:\n")
		for _, k := range keys {
			_, name, _ := strings.Cut(k, ".")
			if name != langDefaultKey {
				w("- %s: %s\n", name, b.lang.Emoji(k))
			}
		}
	}

	w("\nAvailable thumbnail images (choose ONE that matches your response):\n")
	for _, k := range b.lang.ImageKeys() {
		category, name, _ := strings.Cut(k, ".")
		if name == langDefaultKey {
			continue
		}
		for _, c := range aiImageCategories {
			if c == category {
				w("- %s\n", name)
				break
			}
		}
	}

	w("\nAvailable colors for the embed (choose ONE hex code that matches your response):\n")
	for _, c := range aiColors {
		w("- %s (%s - %s)\n", c.Hex, c.Name, c.Mood)
	}

	if transcript != "" {
		w("\n## Conversation so far\n%s", transcript)
	}

	w("\nYou MUST respond with a valid JSON object in this exact format:\n")
	w("{\n  \"content\": \"Your response text here\",\n")
	w("  \"color\": \"#hexcode-from-list-above\",\n")
	w("  \"thumbnail\": \"image-name-from-list-above\"\n}\n")
	w("Never use unescaped double quotes inside content. Use markdown for formatting.\n\n")
	w("User: %s\n\n", message)
	w("Respond with JSON only, no additional text:")
	return sb.String()
}

// buildSummaryPrompt asks the AI whether the user's summary should be
// updated, based on the recent conversation
func buildSummaryPrompt(u *User, transcript string) string {
	var sb strings.Builder
	sb.WriteString("# USER SUMMARY ANALYSIS\n\n")
	sb.WriteString("You analyze conversations to keep a short summary of each user.\n\n")
	sb.WriteString("Include only important information: real name, age range, pronouns, ")
	sb.WriteString("goals, professional background, significant interests, and clear personality traits.\n")
	sb.WriteString("Exclude trivial preferences, temporary moods, one-off topics and excessive detail.\n\n")
	sb.WriteString("## CURRENT USER SUMMARY:\n")
	if u.Summary != "" {
		sb.WriteString("```\n" + u.Summary + "\n```\n\n")
	} else {
		sb.WriteString("No summary exists yet.\n\n")
	}
	sb.WriteString("## RECENT CONVERSATION MESSAGES:\n")
	sb.WriteString(transcript)
	sb.WriteString("\n## TASK:\n")
	sb.WriteString("Respond with a JSON object in this exact format:\n")
	sb.WriteString("{\"update_summary\": true/false, \"content\": \"complete updated summary\"}\n")
	sb.WriteString("Only set update_summary to true if there's genuinely new important information, ")
	sb.WriteString("and then include the COMPLETE updated summary.\n\n")
	sb.WriteString("Respond with JSON only, no additional text:")
	return sb.String()
}

// aiEnabled is true when a token is configured and the runtime config
// hasn't disabled the AI
func (b *Bot) aiEnabled() bool {
	return b.ai != nil && b.config.AI.Enabled() && b.RuntimeConfig().AIEnabled
}

// handleAIMessage answers a message in the AI channel, and stores both
// sides of the exchange in the user's conversation
func (b *Bot) handleAIMessage(ctx context.Context, m *discordgo.Message) error {
	author := discordMessageAuthor(m)
	if author == nil || author.Bot || b.isOwner(author.ID) {
		return nil
	}
	if !b.aiEnabled() || b.paused.Load() {
		return nil
	}
	_, logger := b.getLogger(ctx)
	session := b.discord.session

	if !b.ai.allow(author.ID) {
		logger.InfoContext(ctx, "ai rate limit exceeded")
		return session.MessageReactionAdd(m.ChannelID, m.ID, aiRateLimitedEmoji)
	}

	unlock := b.ai.lockUser(author.ID)
	defer unlock()

	u, _, err := b.db.GetOrCreateUser(ctx, *author)
	if err != nil {
		return err
	}
	conv, err := b.getConversation(ctx, u)
	if err != nil {
		return err
	}
	transcript, err := conv.Transcript()
	if err != nil {
		return err
	}
	if err = b.appendConversation(ctx, conv, conversationRoleUser, m.Content); err != nil {
		return fmt.Errorf("error saving user message: %w", err)
	}

	raw, err := b.ai.complete(ctx, b.buildChatPrompt(u, transcript, m.Content))
	if err != nil {
		_, _ = session.ChannelMessageSendComplex(
			m.ChannelID,
			&discordgo.MessageSend{
				Content:   b.lang.Text("ai.error", nil),
				Reference: m.Reference(),
			},
		)
		return err
	}

	reply := parseAIReply(raw)
	embed := &discordgo.MessageEmbed{
		Description: truncate(reply.Content, discordMaxEmbedDescriptionLength),
		Footer: &discordgo.MessageEmbedFooter{
			Text: b.lang.Textf("ai.footer", "user", u.DisplayName()),
		},
	}
	if reply.emotion != nil {
		embed.Color = reply.emotion.Color
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: b.lang.Image(reply.emotion.Thumbnail)}
	} else {
		embed.Color = parseAIColor(reply.Color)
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: b.lang.resolveThumbnail(reply.Thumbnail)}
	}
	if _, err = session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Embeds:          []*discordgo.MessageEmbed{embed},
			Reference:       m.Reference(),
			AllowedMentions: &discordgo.MessageAllowedMentions{RepliedUser: true},
		},
	); err != nil {
		return fmt.Errorf("error sending ai reply: %w", err)
	}

	if err = b.appendConversation(ctx, conv, conversationRoleAssistant, reply.Content); err != nil {
		logger.ErrorContext(ctx, "error saving ai reply", tint.Err(err))
	}
	if err = u.incrementMessageCount(ctx, b.db); err != nil {
		logger.ErrorContext(ctx, "error updating message count", tint.Err(err))
		return nil
	}
	if u.MessageCount%summaryAnalysisInterval == 0 {
		if err = b.analyzeUserSummary(ctx, u, conv); err != nil {
			logger.ErrorContext(ctx, "error analyzing user summary", tint.Err(err))
		}
	}
	return nil
}

// analyzeUserSummary asks the AI whether the user's summary should change,
// and saves the new summary if so
func (b *Bot) analyzeUserSummary(ctx context.Context, u *User, conv *Conversation) error {
	transcript, err := conv.Transcript()
	if err != nil {
		return err
	}
	if transcript == "" {
		return nil
	}
	raw, err := b.ai.complete(ctx, buildSummaryPrompt(u, transcript))
	if err != nil {
		return err
	}
	analysis, err := parseSummaryAnalysis(raw)
	if err != nil {
		return err
	}

	conv.SummaryAnalysisCount++
	if _, err = b.db.Update(ctx, conv, columnConversationSA, conv.SummaryAnalysisCount); err != nil {
		return err
	}
	_, logger := b.getLogger(ctx)
	if !analysis.UpdateSummary || strings.TrimSpace(analysis.Content) == "" {
		logger.DebugContext(ctx, "summary unchanged")
		return nil
	}
	logger.InfoContext(ctx, "updating user summary")
	return u.setSummary(ctx, b.db, strings.TrimSpace(analysis.Content))
}

package compose

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/twind/internal/assemble"
	"github.com/kalambet/twind/internal/llm"
	"github.com/kalambet/twind/internal/storage"
	"github.com/kalambet/twind/internal/tone"
)

// Role selects which model and temperature policy a composition uses.
type Role string

const (
	// RoleTwin answers counterparts as the creator's twin.
	RoleTwin Role = "twin"
	// RoleCreatorTeaching talks to the creator themselves, drawing them
	// out so the twin can learn.
	RoleCreatorTeaching Role = "creator_teaching"
)

// DegradedApology is the fixed reply used when the language model is
// unavailable. It carries no context, so it is always safe to send.
const DegradedApology = "Sorry, I'm having trouble gathering my thoughts right now. Could you try again in a little bit?"

// Config carries the model selection for each role.
type Config struct {
	ChatModel       string
	TeachingModel   string
	BaseTemperature float64
	MaxTokens       int
}

// Composer renders the assembled context into a prompt and asks the
// language model for the twin's reply.
type Composer struct {
	completer llm.Completer
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func New(completer llm.Completer, cfg Config) *Composer {
	if cfg.BaseTemperature == 0 {
		cfg.BaseTemperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}
	return &Composer{completer: completer, cfg: cfg, logger: slog.Default(), now: time.Now}
}

// Compose builds the reply to msg. The bool result reports degraded mode:
// true means the model call failed and the fixed apology was returned.
// Compose never returns an error; degradation is the error path.
func (c *Composer) Compose(ctx context.Context, bundle assemble.Bundle, msg storage.Message, ownerName string, role Role) (string, bool) {
	messages := c.buildMessages(bundle, msg, ownerName, role)

	model := c.cfg.ChatModel
	temperature := dynamicTemperature(msg.Content, c.cfg.BaseTemperature)
	if role == RoleCreatorTeaching {
		model = c.cfg.TeachingModel
		temperature = c.cfg.BaseTemperature
	}

	reply, err := c.completer.Complete(ctx, llm.Request{
		Model:       model,
		Temperature: temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Messages:    messages,
	})
	if err != nil {
		c.logger.Warn("composition degraded", "role", role, "error", err)
		return DegradedApology, true
	}

	reply = stripSpeakerPrefix(strings.TrimSpace(reply), msg.RecipientID, ownerName)
	if reply == "" {
		c.logger.Warn("composition returned empty reply", "role", role)
		return DegradedApology, true
	}
	return reply, false
}

func (c *Composer) buildMessages(bundle assemble.Bundle, msg storage.Message, ownerName string, role Role) []llm.Message {
	var sys strings.Builder

	switch role {
	case RoleCreatorTeaching:
		fmt.Fprintf(&sys, "You are the digital twin of %s, talking with %s directly. ", ownerName, ownerName)
		sys.WriteString("Be curious about their life, ask natural follow-up questions, and remember what they tell you. Never pretend to be them in this conversation.\n")
	default:
		fmt.Fprintf(&sys, "You ARE %s, chatting in first person. ", ownerName)
		sys.WriteString("Reply exactly as they would: their words, their rhythm, their opinions. Never reveal you are an AI, never speak about yourself in the third person.\n")
		sys.WriteString("\n" + tone.Directives(bundle.Tone) + "\n")
	}

	fmt.Fprintf(&sys, "\nCurrent time: %s.\n", c.now().Format("Monday, 2 January 2006, 15:04"))

	if len(bundle.Facts) > 0 {
		sys.WriteString("\nThings true about you:\n")
		for _, f := range bundle.Facts {
			fmt.Fprintf(&sys, "- %s %s: %s\n", f.Subject, f.Attribute, f.Value)
		}
	}
	if len(bundle.Memories) > 0 {
		sys.WriteString("\nRelevant memories:\n")
		for _, m := range bundle.Memories {
			fmt.Fprintf(&sys, "- %s\n", m.Text)
		}
	}
	if bundle.Summary != "" {
		fmt.Fprintf(&sys, "\nWhere this conversation left off: %s\n", bundle.Summary)
	}
	if len(bundle.StyleSamples) > 0 {
		sys.WriteString("\nHow you actually write, verbatim samples:\n")
		for _, s := range bundle.StyleSamples {
			fmt.Fprintf(&sys, "> %s\n", s.Content)
		}
	}

	messages := []llm.Message{{Role: "system", Content: sys.String()}}
	for _, turn := range bundle.RecentTurns {
		r := "user"
		if turn.SenderID == msg.RecipientID {
			r = "assistant"
		}
		messages = append(messages, llm.Message{Role: r, Content: turn.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: msg.Content})
	return messages
}

var greetingWords = []string{"سلام", "چطوری", "چخبر", "صبح بخیر", "شب بخیر", "hey", "hi", "hello"}

var factualKeywords = []string{
	"اسمت", "شغلت", "کجا زندگی", "چند سالته", "کار میکنی", "تحصیل", "متاهل",
	"what's your name", "where do you live", "how old", "what do you do",
}

// dynamicTemperature picks a sampling temperature from the shape of the
// inbound message: short pings and greetings stay loose, factual
// questions about the creator get pinned down.
func dynamicTemperature(message string, base float64) float64 {
	lower := strings.ToLower(strings.TrimSpace(message))
	if len(message) < 15 {
		return 0.8
	}
	for _, g := range greetingWords {
		if strings.Contains(lower, g) {
			return 0.75
		}
	}
	for _, kw := range factualKeywords {
		if strings.Contains(lower, kw) {
			return 0.4
		}
	}
	if strings.Contains(lower, "چی") || strings.Contains(lower, "چه ") {
		return 0.5
	}
	return base
}

// stripSpeakerPrefix drops a leaked "Name:" prefix the model sometimes
// produces when the prompt shows labeled turns.
func stripSpeakerPrefix(reply string, names ...string) string {
	for _, name := range names {
		if name == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(reply, name+":"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return reply
}

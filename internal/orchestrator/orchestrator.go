package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kalambet/twind/internal/assemble"
	"github.com/kalambet/twind/internal/compose"
	"github.com/kalambet/twind/internal/guardrail"
	"github.com/kalambet/twind/internal/learner"
	"github.com/kalambet/twind/internal/notify"
	"github.com/kalambet/twind/internal/storage"
	"github.com/kalambet/twind/internal/topic"
)

// ErrInvalidMessage rejects inbound messages missing a sender, recipient
// or content.
var ErrInvalidMessage = errors.New("invalid message")

// BlockedReply is sent when the guardrail blocks a message.
const BlockedReply = "I'd rather not get into that here. If it's important, better to reach out to them directly."

// Reply route labels beyond the topic router's own.
const (
	RouteBlocked     = "blocked"
	RouteSelfProfile = "self_profile"
	RouteCreator     = "creator"
)

// Inbound is one message arriving for a twin.
type Inbound struct {
	MessageID      string
	ConversationID string
	SenderID       string
	RecipientID    string
	Content        string
	Modality       string
}

// Reply is the twin's answer plus how it was produced.
type Reply struct {
	MessageID string
	Text      string
	Route     string
	Degraded  bool
	// Delivered counts creator responses (answered future requests,
	// financial thread replies) prepended to this reply.
	Delivered int
}

// Guard screens inbound text before any composition happens.
type Guard interface {
	Evaluate(ctx context.Context, text string) guardrail.Decision
}

// Router lane-splits special topics away from the normal reply path.
type Router interface {
	Route(ctx context.Context, msg storage.Message, recent []string) (topic.Outcome, error)
}

// Assembler gathers the context bundle for a message.
type Assembler interface {
	Assemble(ctx context.Context, msg storage.Message) (assemble.Bundle, assemble.Metadata)
}

// Composer turns a bundle and message into reply text.
type Composer interface {
	Compose(ctx context.Context, bundle assemble.Bundle, msg storage.Message, ownerName string, role compose.Role) (string, bool)
}

// Learner digests a finished exchange in the background.
type Learner interface {
	OnExchange(ctx context.Context, ex learner.Exchange)
}

// DeliveryStore is the persistence slice for handing creator responses
// back to their senders.
type DeliveryStore interface {
	AnsweredRequestsForSender(senderID, recipientID string) ([]storage.FutureRequest, error)
	DeliverFutureRequest(requestID string) error
	UndeliveredCreatorMessages(ownerID, counterpartID string) ([]storage.ThreadMessage, error)
	MarkThreadMessageDelivered(messageID string) error
	BumpPassiveMessages(ownerID, counterpartID string, delta int) error
	RecentMessages(ownerID, counterpartID string, limit int) ([]storage.Message, error)
}

// NameResolver maps an owner ID to their display name for prompts.
type NameResolver func(ownerID string) string

// Publisher pushes events toward connected users. Nil disables events.
type Publisher interface {
	Publish(userID string, ev notify.Event) int
}

// Orchestrator drives the full reply path for one inbound message.
// Messages for the same (owner, counterpart) pair are serialized; other
// pairs proceed concurrently.
type Orchestrator struct {
	guard     Guard
	router    Router
	assembler Assembler
	composer  Composer
	learner   Learner
	store     DeliveryStore
	names     NameResolver
	events    Publisher
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(guard Guard, router Router, assembler Assembler, composer Composer, learn Learner, store DeliveryStore, names NameResolver, events Publisher) *Orchestrator {
	if names == nil {
		names = func(ownerID string) string { return ownerID }
	}
	return &Orchestrator{
		guard:     guard,
		router:    router,
		assembler: assembler,
		composer:  composer,
		learner:   learn,
		store:     store,
		names:     names,
		events:    events,
		logger:    slog.Default(),
		locks:     make(map[string]*sync.Mutex),
	}
}

// HandleMessage produces the twin's reply to a counterpart's message.
func (o *Orchestrator) HandleMessage(ctx context.Context, in Inbound) (Reply, error) {
	msg, err := o.normalize(in)
	if err != nil {
		return Reply{}, err
	}
	owner := msg.RecipientID
	counterpart := msg.SenderID

	lock := o.pairLock(owner, counterpart)
	lock.Lock()
	defer lock.Unlock()

	deliveries := o.collectDeliveries(owner, counterpart)

	bundle, _ := o.assembler.Assemble(ctx, msg)

	decision := o.guard.Evaluate(ctx, msg.Content)
	switch decision.Action {
	case guardrail.Block:
		o.logger.Info("message blocked", "rule", decision.Rule, "sender", counterpart)
		reply := o.finishReply(msg, BlockedReply, RouteBlocked, false, deliveries)
		o.learnDetached(ctx, msg, reply)
		return reply, nil
	case guardrail.RedirectSelfProfile:
		text := o.selfProfileReply(owner)
		reply := o.finishReply(msg, text, RouteSelfProfile, false, deliveries)
		o.learnDetached(ctx, msg, reply)
		return reply, nil
	}

	outcome, err := o.router.Route(ctx, msg, recentTexts(bundle.RecentTurns))
	if err != nil {
		// Routing storage failures must not kill the conversation; fall
		// back to the normal reply path.
		o.logger.Error("topic routing failed", "error", err)
		outcome = topic.Outcome{Kind: topic.RouteNone}
	}
	if outcome.Kind != topic.RouteNone {
		reply := o.finishReply(msg, outcome.Acknowledgment, outcome.Kind, false, deliveries)
		o.learnDetached(ctx, msg, reply)
		return reply, nil
	}

	text, degraded := o.composer.Compose(ctx, bundle, msg, o.names(owner), compose.RoleTwin)
	reply := o.finishReply(msg, text, topic.RouteNone, degraded, deliveries)
	o.learnDetached(ctx, msg, reply)

	if err := o.store.BumpPassiveMessages(owner, counterpart, 1); err != nil {
		o.logger.Warn("passive counter bump failed", "error", err)
	}
	return reply, nil
}

// HandleCreatorMessage handles the creator talking to their own twin.
// The twin answers in teaching mode and learns from what the creator
// shares; guardrails and topic routing do not apply to the owner.
func (o *Orchestrator) HandleCreatorMessage(ctx context.Context, in Inbound) (Reply, error) {
	in.RecipientID = in.SenderID
	msg, err := o.normalize(in)
	if err != nil {
		return Reply{}, err
	}
	owner := msg.SenderID

	lock := o.pairLock(owner, owner)
	lock.Lock()
	defer lock.Unlock()

	bundle, _ := o.assembler.Assemble(ctx, msg)
	text, degraded := o.composer.Compose(ctx, bundle, msg, o.names(owner), compose.RoleCreatorTeaching)

	reply := Reply{
		MessageID: uuid.NewString(),
		Text:      text,
		Route:     RouteCreator,
		Degraded:  degraded,
	}
	o.learnDetached(ctx, msg, reply)
	return reply, nil
}

func (o *Orchestrator) normalize(in Inbound) (storage.Message, error) {
	content := strings.TrimSpace(in.Content)
	if in.SenderID == "" || in.RecipientID == "" || content == "" {
		return storage.Message{}, ErrInvalidMessage
	}
	if in.MessageID == "" {
		in.MessageID = uuid.NewString()
	}
	if in.ConversationID == "" {
		in.ConversationID = pairKey(in.RecipientID, in.SenderID)
	}
	if in.Modality == "" {
		in.Modality = "text"
	}
	return storage.Message{
		ID:             in.MessageID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		RecipientID:    in.RecipientID,
		Role:           "human",
		Content:        content,
		Modality:       in.Modality,
	}, nil
}

// collectDeliveries drains creator responses owed to this sender: answered
// future requests and financial thread replies. Each is marked delivered
// as it is picked up, so a crash after pickup loses at most the prefix.
func (o *Orchestrator) collectDeliveries(owner, counterpart string) []string {
	var texts []string

	answered, err := o.store.AnsweredRequestsForSender(counterpart, owner)
	if err != nil {
		o.logger.Warn("answered request lookup failed", "error", err)
	}
	for _, req := range answered {
		if err := o.store.DeliverFutureRequest(req.ID); err != nil {
			o.logger.Warn("request delivery mark failed", "request_id", req.ID, "error", err)
			continue
		}
		texts = append(texts, fmt.Sprintf("About your earlier question (%s): %s", req.DetectedPlan, req.CreatorResponse))
		o.notifyDelivered(owner, counterpart, "request", req.ID)
	}

	pending, err := o.store.UndeliveredCreatorMessages(owner, counterpart)
	if err != nil {
		o.logger.Warn("thread delivery lookup failed", "error", err)
	}
	for _, m := range pending {
		if err := o.store.MarkThreadMessageDelivered(m.ID); err != nil {
			o.logger.Warn("thread message delivery mark failed", "message_id", m.ID, "error", err)
			continue
		}
		texts = append(texts, m.Content)
		o.notifyDelivered(owner, counterpart, "thread_message", m.ID)
	}
	return texts
}

// notifyDelivered tells the creator their response reached the sender.
func (o *Orchestrator) notifyDelivered(owner, counterpart, source, id string) {
	if o.events == nil {
		return
	}
	o.events.Publish(owner, notify.Event{
		Kind: notify.KindCreatorReply,
		Data: map[string]any{
			"counterpart_id": counterpart,
			"source":         source,
			"id":             id,
		},
	})
}

func (o *Orchestrator) finishReply(msg storage.Message, text, route string, degraded bool, deliveries []string) Reply {
	if len(deliveries) > 0 {
		text = strings.Join(append(deliveries, text), "\n\n")
	}
	return Reply{
		MessageID: uuid.NewString(),
		Text:      text,
		Route:     route,
		Degraded:  degraded,
		Delivered: len(deliveries),
	}
}

func (o *Orchestrator) learnDetached(ctx context.Context, msg storage.Message, reply Reply) {
	if o.learner == nil {
		return
	}
	ex := learner.Exchange{
		Inbound: msg,
		Reply: storage.Message{
			ID:             reply.MessageID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.RecipientID,
			RecipientID:    msg.SenderID,
			Role:           "twin",
			Content:        reply.Text,
			Modality:       "text",
		},
	}
	go o.learner.OnExchange(context.WithoutCancel(ctx), ex)
}

func (o *Orchestrator) selfProfileReply(owner string) string {
	return fmt.Sprintf("Just so you know, you're talking to %s's digital twin. I answer the way they would, and anything important gets passed on to them.", o.names(owner))
}

func (o *Orchestrator) pairLock(owner, counterpart string) *sync.Mutex {
	key := pairKey(owner, counterpart)
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[key] = lock
	}
	return lock
}

func pairKey(owner, counterpart string) string {
	return owner + "/" + counterpart
}

func recentTexts(turns []storage.Message) []string {
	texts := make([]string, 0, len(turns))
	for _, t := range turns {
		texts = append(texts, t.Content)
	}
	return texts
}

package topic

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/twind/internal/notify"
	"github.com/kalambet/twind/internal/storage"
)

// Route kinds returned by the router.
const (
	RouteNone    = "none"
	RouteFinance = "financial"
	RouteFuture  = "future_planning"
)

// Fixed acknowledgments. The twin never improvises an answer for routed
// topics; it confirms the hand-off and the creator takes over.
const (
	AckFinancialNew      = "This sounds like something they should handle personally. I've passed it along, and they'll get back to you about it."
	AckFinancialFollowUp = "Got it, I've added that to the ongoing topic. They'll see it."
	AckFuturePlan        = "I can't commit to plans on their behalf, but I've forwarded this so they can answer you directly."
)

// Store is the slice of persistence the router needs.
type Store interface {
	OpenThread(ownerID, counterpartID string) (storage.FinancialThread, error)
	AppendOrCreateThread(ownerID, counterpartID, conversationID, summary string, msg storage.ThreadMessage) (storage.FinancialThread, bool, error)
	CloseThread(threadID string) error
	ThreadMessages(threadID string, limit int) ([]storage.ThreadMessage, error)
	PendingRequestSince(senderID, recipientID string, since time.Time) (bool, error)
	CreateFutureRequest(r storage.FutureRequest) error
}

// Publisher pushes notification events toward the creator.
type Publisher interface {
	Publish(userID string, ev notify.Event) int
}

// Outcome is the routing verdict for one inbound message. Kind RouteNone
// means the message stays on the normal conversational path; any other
// kind carries the fixed acknowledgment the twin should reply with.
type Outcome struct {
	Kind           string
	Acknowledgment string
	ThreadID       string
	RequestID      string
	NewThread      bool
}

// Router classifies inbound messages into special-handling lanes.
// Financial topics take precedence over future planning: a message that
// reads as both becomes a thread entry, never a FutureRequest.
type Router struct {
	store         Store
	detector      *Detector
	events        Publisher
	minConfidence float64
	dedupeWindow  time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

func NewRouter(store Store, detector *Detector, events Publisher, minConfidence float64, dedupeWindow time.Duration) *Router {
	return &Router{
		store:         store,
		detector:      detector,
		events:        events,
		minConfidence: minConfidence,
		dedupeWindow:  dedupeWindow,
		logger:        slog.Default(),
		now:           time.Now,
	}
}

// Route inspects msg (sent by msg.SenderID to the twin of msg.RecipientID)
// and returns how it should be handled. Recent holds the last few turns of
// the conversation, oldest first, for classifier context.
func (r *Router) Route(ctx context.Context, msg storage.Message, recent []string) (Outcome, error) {
	if out, routed, err := r.routeFinancial(ctx, msg, recent); err != nil {
		return Outcome{}, err
	} else if routed {
		return out, nil
	}
	if out, routed, err := r.routeFuture(ctx, msg, recent); err != nil {
		return Outcome{}, err
	} else if routed {
		return out, nil
	}
	return Outcome{Kind: RouteNone}, nil
}

func (r *Router) routeFinancial(ctx context.Context, msg storage.Message, recent []string) (Outcome, bool, error) {
	owner := msg.RecipientID
	counterpart := msg.SenderID

	thread, err := r.store.OpenThread(owner, counterpart)
	switch {
	case err == nil:
		return r.continueThread(ctx, thread, msg)
	case errors.Is(err, storage.ErrNotFound):
		// No open thread; fall through to fresh detection.
	default:
		return Outcome{}, false, err
	}

	det := r.detector.DetectFinancial(ctx, msg.Content, recent)
	if !det.IsFinancial || det.Confidence < r.minConfidence {
		return Outcome{}, false, nil
	}

	thread, created, err := r.store.AppendOrCreateThread(owner, counterpart, msg.ConversationID, det.TopicSummary, storage.ThreadMessage{
		ID:       uuid.NewString(),
		AuthorID: counterpart,
		Content:  msg.Content,
	})
	if err != nil {
		return Outcome{}, false, err
	}

	r.events.Publish(owner, notify.Event{
		Kind: notify.KindFinancialTopic,
		Data: map[string]any{
			"thread_id": thread.ID,
			"from":      counterpart,
			"summary":   det.TopicSummary,
			"amount":    det.Amount,
			"urgency":   det.Urgency,
		},
	})
	r.logger.Info("financial topic routed",
		"thread_id", thread.ID, "owner", owner, "counterpart", counterpart, "created", created)

	ack := AckFinancialFollowUp
	if created {
		ack = AckFinancialNew
	}
	return Outcome{Kind: RouteFinance, Acknowledgment: ack, ThreadID: thread.ID, NewThread: created}, true, nil
}

func (r *Router) continueThread(ctx context.Context, thread storage.FinancialThread, msg storage.Message) (Outcome, bool, error) {
	history, err := r.store.ThreadMessages(thread.ID, 10)
	if err != nil {
		return Outcome{}, false, err
	}

	verdict := r.detector.CheckContinuation(ctx, msg.Content, thread, history)
	if verdict.IsClosure && verdict.Confidence >= r.minConfidence {
		if err := r.store.CloseThread(thread.ID); err != nil && !errors.Is(err, storage.ErrStateConflict) {
			return Outcome{}, false, err
		}
		r.logger.Info("financial thread closed", "thread_id", thread.ID, "reason", verdict.Reason)
		return Outcome{}, false, nil
	}
	if !verdict.IsContinuation {
		return Outcome{}, false, nil
	}

	if _, _, err := r.store.AppendOrCreateThread(thread.OwnerID, thread.CounterpartID, thread.ConversationID, thread.Summary, storage.ThreadMessage{
		ID:       uuid.NewString(),
		AuthorID: msg.SenderID,
		Content:  msg.Content,
	}); err != nil {
		return Outcome{}, false, err
	}

	r.events.Publish(thread.OwnerID, notify.Event{
		Kind: notify.KindFinancialTopic,
		Data: map[string]any{
			"thread_id": thread.ID,
			"from":      thread.CounterpartID,
			"summary":   thread.Summary,
			"follow_up": true,
		},
	})
	return Outcome{Kind: RouteFinance, Acknowledgment: AckFinancialFollowUp, ThreadID: thread.ID}, true, nil
}

func (r *Router) routeFuture(ctx context.Context, msg storage.Message, recent []string) (Outcome, bool, error) {
	det := r.detector.DetectFuturePlanning(ctx, msg.Content, recent)
	if !det.IsFuturePlanning || det.Confidence < r.minConfidence {
		return Outcome{}, false, nil
	}

	since := r.now().Add(-r.dedupeWindow)
	pending, err := r.store.PendingRequestSince(msg.SenderID, msg.RecipientID, since)
	if err != nil {
		return Outcome{}, false, err
	}
	if pending {
		// Already waiting on the creator for this pair; acknowledge
		// without piling up duplicate requests.
		r.logger.Debug("future request deduplicated",
			"sender", msg.SenderID, "recipient", msg.RecipientID)
		return Outcome{Kind: RouteFuture, Acknowledgment: AckFuturePlan}, true, nil
	}

	req := storage.FutureRequest{
		ID:              uuid.NewString(),
		SenderID:        msg.SenderID,
		RecipientID:     msg.RecipientID,
		ConversationID:  msg.ConversationID,
		OriginalMessage: msg.Content,
		DetectedPlan:    det.DetectedPlan,
		DetectedTime:    det.DetectedDatetime,
		Status:          storage.RequestPending,
	}
	if err := r.store.CreateFutureRequest(req); err != nil {
		return Outcome{}, false, err
	}

	r.events.Publish(msg.RecipientID, notify.Event{
		Kind: notify.KindFuturePlan,
		Data: map[string]any{
			"request_id": req.ID,
			"from":       msg.SenderID,
			"plan":       det.DetectedPlan,
			"when":       det.DetectedDatetime,
		},
	})
	r.logger.Info("future-planning request created",
		"request_id", req.ID, "sender", msg.SenderID, "recipient", msg.RecipientID)

	return Outcome{Kind: RouteFuture, Acknowledgment: AckFuturePlan, RequestID: req.ID}, true, nil
}

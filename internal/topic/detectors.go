package topic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/twind/internal/llm"
	"github.com/kalambet/twind/internal/storage"
)

// FinancialDetection is the classifier verdict for money-related topics.
type FinancialDetection struct {
	IsFinancial  bool    `json:"is_financial"`
	TopicSummary string  `json:"topic_summary"`
	Amount       string  `json:"amount"`
	Urgency      string  `json:"urgency"`
	Confidence   float64 `json:"confidence"`
	Reason       string  `json:"reason"`
}

// ContinuationVerdict says whether a message continues or closes an open
// financial thread.
type ContinuationVerdict struct {
	IsContinuation bool    `json:"is_continuation"`
	IsClosure      bool    `json:"is_closure"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason"`
}

// FutureDetection is the classifier verdict for future-planning requests.
type FutureDetection struct {
	IsFuturePlanning bool    `json:"is_future_planning"`
	DetectedPlan     string  `json:"detected_plan"`
	DetectedDatetime string  `json:"detected_datetime"`
	Confidence       float64 `json:"confidence"`
	Reason           string  `json:"reason"`
}

// Detector runs the per-message topic classifiers. All three calls fail
// safe: a classifier error reads as "nothing detected" so routing never
// breaks the interactive path.
type Detector struct {
	completer llm.Completer
	model     string
	logger    *slog.Logger
}

func NewDetector(completer llm.Completer, model string) *Detector {
	return &Detector{completer: completer, model: model, logger: slog.Default()}
}

const financialPrompt = `You analyze a message sent to someone's AI twin.
Decide whether it raises a financial topic the real person must handle
themselves: lending or borrowing money, investment proposals, debts, large
purchases, payment requests, business deals.
Ordinary mentions of prices or shopping small talk do NOT count.
Return ONLY JSON:
{"is_financial": bool, "topic_summary": "<short summary>", "amount": "<amount or empty>", "urgency": "low|normal|high", "confidence": 0.0-1.0, "reason": "<brief>"}`

func (d *Detector) DetectFinancial(ctx context.Context, message string, recent []string) FinancialDetection {
	var result FinancialDetection
	err := llm.CompleteJSON(ctx, d.completer, llm.Request{
		Model:       d.model,
		Temperature: 0,
		Messages: []llm.Message{
			{Role: "system", Content: financialPrompt},
			{Role: "user", Content: withContext(message, recent)},
		},
	}, &result)
	if err != nil {
		d.logger.Warn("financial detection failed", "error", err)
		return FinancialDetection{Reason: "classifier_error"}
	}
	return result
}

const continuationPrompt = `An open financial topic exists between these two
people. Decide whether the new message continues that topic, and whether it
settles or abandons it (closure).
Return ONLY JSON:
{"is_continuation": bool, "is_closure": bool, "confidence": 0.0-1.0, "reason": "<brief>"}`

func (d *Detector) CheckContinuation(ctx context.Context, message string, thread storage.FinancialThread, recent []storage.ThreadMessage) ContinuationVerdict {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\n", thread.Summary)
	for _, m := range recent {
		fmt.Fprintf(&sb, "- %s: %s\n", m.AuthorID, m.Content)
	}
	fmt.Fprintf(&sb, "\nNew message: %s", message)

	var result ContinuationVerdict
	err := llm.CompleteJSON(ctx, d.completer, llm.Request{
		Model:       d.model,
		Temperature: 0,
		Messages: []llm.Message{
			{Role: "system", Content: continuationPrompt},
			{Role: "user", Content: sb.String()},
		},
	}, &result)
	if err != nil {
		d.logger.Warn("continuation check failed", "thread_id", thread.ID, "error", err)
		// Treat as continuation: appending to the open thread is the safe
		// default while it stays open.
		return ContinuationVerdict{IsContinuation: true, Reason: "classifier_error"}
	}
	return result
}

const futurePrompt = `You analyze a message sent to someone's AI twin.
Decide whether it proposes a concrete future plan needing the real person's
own answer: an invitation, a meeting, coordinating an event, asking about
future availability.
General chit-chat about the future does NOT count.
Return ONLY JSON:
{"is_future_planning": bool, "detected_plan": "<short description>", "detected_datetime": "<datetime text or empty>", "confidence": 0.0-1.0, "reason": "<brief>"}`

func (d *Detector) DetectFuturePlanning(ctx context.Context, message string, recent []string) FutureDetection {
	var result FutureDetection
	err := llm.CompleteJSON(ctx, d.completer, llm.Request{
		Model:       d.model,
		Temperature: 0,
		Messages: []llm.Message{
			{Role: "system", Content: futurePrompt},
			{Role: "user", Content: withContext(message, recent)},
		},
	}, &result)
	if err != nil {
		d.logger.Warn("future-planning detection failed", "error", err)
		return FutureDetection{Reason: "classifier_error"}
	}
	return result
}

func withContext(message string, recent []string) string {
	if len(recent) == 0 {
		return message
	}
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	var sb strings.Builder
	sb.WriteString("Recent messages:\n")
	for _, m := range recent {
		sb.WriteString("- " + m + "\n")
	}
	sb.WriteString("\nNew message: " + message)
	return sb.String()
}

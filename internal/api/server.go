package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/twind/internal/notify"
	"github.com/kalambet/twind/internal/orchestrator"
	"github.com/kalambet/twind/internal/scheduler"
	"github.com/kalambet/twind/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps carries everything the HTTP layer needs.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Registry
	Store        *storage.Store
	Hub          *notify.Hub
	Token        string
}

// NewHandler builds the full API router. Health is open; everything else
// sits behind bearer auth.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/chat", handleChat(deps))
		r.Post("/v1/creator/chat", handleCreatorChat(deps))

		r.Get("/v1/creator/{owner}/threads", handleListThreads(deps))
		r.Get("/v1/creator/{owner}/threads/{thread}/messages", handleThreadMessages(deps))
		r.Post("/v1/creator/{owner}/threads/{counterpart}/reply", handleThreadReply(deps))
		r.Post("/v1/threads/{thread}/close", handleThreadClose(deps))

		r.Get("/v1/creator/{owner}/requests", handleListRequests(deps))
		r.Post("/v1/requests/{request}/answer", handleAnswerRequest(deps))

		r.Get("/v1/classifications/pending", handlePendingClassifications(deps))
		r.Post("/v1/creator/{owner}/classifications/{counterpart}", handleAnswerClassification(deps))

		r.Post("/v1/jobs/{kind}/run", handleRunJob(deps))
		r.Get("/v1/jobs/runs", handleJobRuns(deps))
		r.Get("/v1/tasks", handleListTasks(deps))
	})

	r.Get("/v1/notifications/ws", handleNotificationsWS(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// ChatRequest is an inbound message for a twin.
type ChatRequest struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	RecipientID    string `json:"recipient_id"`
	Content        string `json:"content"`
	Modality       string `json:"modality"`
}

// ChatResponse is the twin's reply.
type ChatResponse struct {
	MessageID string `json:"message_id"`
	Reply     string `json:"reply"`
	Route     string `json:"route"`
	Degraded  bool   `json:"degraded,omitempty"`
	Delivered int    `json:"delivered,omitempty"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeChat(w, r)
		if !ok {
			return
		}
		reply, err := deps.Orchestrator.HandleMessage(r.Context(), orchestrator.Inbound{
			MessageID:      req.MessageID,
			ConversationID: req.ConversationID,
			SenderID:       req.SenderID,
			RecipientID:    req.RecipientID,
			Content:        req.Content,
			Modality:       req.Modality,
		})
		writeReply(w, reply, err)
	}
}

func handleCreatorChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeChat(w, r)
		if !ok {
			return
		}
		reply, err := deps.Orchestrator.HandleCreatorMessage(r.Context(), orchestrator.Inbound{
			MessageID:      req.MessageID,
			ConversationID: req.ConversationID,
			SenderID:       req.SenderID,
			RecipientID:    req.SenderID,
			Content:        req.Content,
			Modality:       req.Modality,
		})
		writeReply(w, reply, err)
	}
}

func decodeChat(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return ChatRequest{}, false
	}
	return req, true
}

func writeReply(w http.ResponseWriter, reply orchestrator.Reply, err error) {
	if errors.Is(err, orchestrator.ErrInvalidMessage) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "handling failed: %v", err)
		return
	}
	writeJSON(w, ChatResponse{
		MessageID: reply.MessageID,
		Reply:     reply.Text,
		Route:     reply.Route,
		Degraded:  reply.Degraded,
		Delivered: reply.Delivered,
	})
}

func handleListThreads(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threads, err := deps.Store.OpenThreadsForOwner(chi.URLParam(r, "owner"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list threads: %v", err)
			return
		}
		if threads == nil {
			threads = []storage.FinancialThread{}
		}
		writeJSON(w, threads)
	}
}

func handleThreadMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := deps.Store.ThreadMessages(chi.URLParam(r, "thread"), parseIntParam(r, "limit", 50, 200))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list thread messages: %v", err)
			return
		}
		if msgs == nil {
			msgs = []storage.ThreadMessage{}
		}
		writeJSON(w, msgs)
	}
}

// handleThreadReply records the creator's answer on the pair's open
// financial thread. Delivery to the counterpart happens lazily: the
// message rides along with the twin's next reply to them.
func handleThreadReply(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := chi.URLParam(r, "owner")
		counterpart := chi.URLParam(r, "counterpart")

		var body struct {
			Content string `json:"content"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		thread, err := deps.Store.OpenThread(owner, counterpart)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no open thread for this pair")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "thread lookup failed: %v", err)
			return
		}

		_, _, err = deps.Store.AppendOrCreateThread(owner, counterpart, thread.ConversationID, thread.Summary, storage.ThreadMessage{
			ID:       uuid.NewString(),
			AuthorID: owner,
			Content:  body.Content,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reply failed: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "queued", "thread_id": thread.ID})
	}
}

func handleThreadClose(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.CloseThread(chi.URLParam(r, "thread"))
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "thread not found")
		case errors.Is(err, storage.ErrStateConflict):
			httpError(w, http.StatusConflict, "state_conflict", "thread already closed")
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "close failed: %v", err)
		default:
			writeJSON(w, map[string]string{"status": "closed"})
		}
	}
}

func handleListRequests(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		if status == "" {
			status = storage.RequestPending
		}
		requests, err := deps.Store.RequestsByStatus(chi.URLParam(r, "owner"), status)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list requests: %v", err)
			return
		}
		if requests == nil {
			requests = []storage.FutureRequest{}
		}
		writeJSON(w, requests)
	}
}

func handleAnswerRequest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Response string `json:"response"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Response == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "response is required")
			return
		}

		id := chi.URLParam(r, "request")
		err := deps.Store.AnswerFutureRequest(id, body.Response)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "request not found")
		case errors.Is(err, storage.ErrStateConflict):
			httpError(w, http.StatusConflict, "state_conflict", "request is not pending")
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "answer failed: %v", err)
		default:
			if deps.Hub != nil {
				if req, lookupErr := deps.Store.GetFutureRequest(id); lookupErr == nil {
					deps.Hub.Publish(req.SenderID, notify.Event{
						Kind: notify.KindRequestAnswered,
						Data: map[string]any{
							"request_id": req.ID,
							"plan":       req.DetectedPlan,
						},
					})
				}
			}
			writeJSON(w, map[string]string{"status": "answered"})
		}
	}
}

func handlePendingClassifications(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := deps.Store.PendingClassifications(parseIntParam(r, "limit", 50, 200))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list classifications: %v", err)
			return
		}
		if pending == nil {
			pending = []storage.RelationshipClassification{}
		}
		writeJSON(w, pending)
	}
}

func handleAnswerClassification(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Class      string  `json:"class"`
			Confidence float64 `json:"confidence"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Class == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "class is required")
			return
		}
		if body.Confidence == 0 {
			body.Confidence = 1.0 // the creator's own word
		}

		err := deps.Store.AnswerClassification(chi.URLParam(r, "owner"), chi.URLParam(r, "counterpart"), body.Class, body.Confidence)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "classification not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "classification failed: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "classified"})
	}
}

func handleRunJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := chi.URLParam(r, "kind")
		stats, err := deps.Scheduler.Run(r.Context(), kind)
		switch {
		case errors.Is(err, scheduler.ErrUnknownJob):
			httpError(w, http.StatusNotFound, "not_found", "unknown job kind %q", kind)
		case errors.Is(err, scheduler.ErrRunActive):
			httpError(w, http.StatusConflict, "state_conflict", "job %q is already running", kind)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "job failed: %v", err)
		default:
			writeJSON(w, map[string]any{
				"kind":      kind,
				"processed": stats.Processed,
				"failed":    stats.Failed,
			})
		}
	}
}

func handleJobRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := deps.Store.SchedulerRuns()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.SchedulerRun{}
		}
		writeJSON(w, runs)
	}
}

func handleListTasks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		if status == "" {
			status = storage.TaskPending
		}
		tasks, err := deps.Store.TasksByStatus(status, parseIntParam(r, "limit", 50, 200))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tasks: %v", err)
			return
		}
		if tasks == nil {
			tasks = []storage.RetryTask{}
		}
		writeJSON(w, tasks)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

// Package handler provides the HTTP and websocket handlers of the support
// backend simulator.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-session/internal/middleware"
	"github.com/capitalize-ai/support-session/internal/model"
	"github.com/capitalize-ai/support-session/internal/service"
	"github.com/capitalize-ai/support-session/internal/store"
	"github.com/capitalize-ai/support-session/pkg/logger"
)

type createConversationRequest struct {
	ChatbotID string `json:"chatbotId"`
}

type conversationResponse struct {
	Success      bool                       `json:"success"`
	Conversation model.ConversationSnapshot `json:"conversation"`
}

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  logger.OrGlobal(log).Component("conversations_api"),
	}
}

// Create handles POST /api/v1/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, err := h.service.Create(ctx, middleware.GetTenantID(ctx), middleware.GetUserID(ctx), req.ChatbotID)
	if err != nil {
		h.logger.Error("failed to create conversation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	writeJSON(w, http.StatusCreated, conversationResponse{Success: true, Conversation: conv.Snapshot()})
}

// List handles GET /api/v1/conversations. A caller without an open
// conversation gets one queued first, agents excepted.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	page, limit := pageParams(r)

	if !middleware.HasScope(ctx, middleware.ScopeAgent) {
		if _, err := h.service.Ensure(ctx, tenantID, middleware.GetUserID(ctx), r.URL.Query().Get("chatbotId")); err != nil {
			h.logger.Error("failed to open conversation", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list conversations")
			return
		}
	}

	convs, pagination := h.service.List(ctx, tenantID, page, limit)
	snaps := make([]model.ConversationSnapshot, 0, len(convs))
	for _, c := range convs {
		snaps = append(snaps, c.Snapshot())
	}
	writeJSON(w, http.StatusOK, model.ListConversationsResponse{
		Success:       true,
		Conversations: snaps,
		Pagination:    pagination,
	})
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := store.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.service.Get(ctx, middleware.GetTenantID(ctx), conversationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	writeJSON(w, http.StatusOK, conversationResponse{Success: true, Conversation: conv.Snapshot()})
}

// Lifecycle handles POST /api/v1/conversations/{id}/lifecycle
func (h *ConversationHandler) Lifecycle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := store.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var ev model.LifecyclePayload
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, err := h.service.Apply(ctx, middleware.GetTenantID(ctx), conversationID, ev)
	switch {
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	case errors.Is(err, service.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.logger.Error("failed to apply lifecycle event", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to apply lifecycle event")
		return
	}

	writeJSON(w, http.StatusOK, conversationResponse{Success: true, Conversation: conv.Snapshot()})
}

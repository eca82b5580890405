package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"gwi.com/chat-insights/internal/auth"
	"gwi.com/chat-insights/internal/core"
	"gwi.com/chat-insights/internal/logger"
	"gwi.com/chat-insights/internal/stats"
	"gwi.com/chat-insights/internal/store"
)

type ctxKey int

const userIDKey ctxKey = iota

// Pipeline starts analyses and queues background work.
type Pipeline interface {
	StartAnalysis(ctx context.Context, userID, chatID, fileAnalysisID string) (*core.StartResult, error)
	EnqueueRun(ctx context.Context, triggerID string) error
	EnqueueCleanup(ctx context.Context, userID, fileAnalysisID string) error
}

type KeyGenerator interface {
	GenerateKeys(ctx context.Context, userID string) (string, error)
}

type APIHandler struct {
	pipeline    Pipeline
	keys        KeyGenerator
	chatService *core.ChatService
	adminToken  string
	loc         *time.Location
	log         *logger.Logger
}

func NewAPIHandler(p Pipeline, keys KeyGenerator, cs *core.ChatService, adminToken string, loc *time.Location, log *logger.Logger) *APIHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &APIHandler{pipeline: p, keys: keys, chatService: cs, adminToken: adminToken, loc: loc, log: log.With("component", "api")}
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		sub, err := auth.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminAuthMiddleware guards the internal routes with the static admin token.
func (h *APIHandler) AdminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if h.adminToken == "" || !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps service errors onto status codes. Only user-facing
// messages are echoed back; everything else is logged.
func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ue *stats.UserError
	switch {
	case errors.As(err, &ue):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{ue.Message})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"not found"})
	case errors.Is(err, core.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.Is(err, core.ErrNotComplete):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	case errors.Is(err, core.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{"Too many requests. Please try again later."})
	default:
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "userId", userID(r), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(core.ErrInvalidInput, err)
	}
	return nil
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := h.chatService.GetUser(r.Context(), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *APIHandler) GenerateKeysHandler(w http.ResponseWriter, r *http.Request) {
	pub, err := h.keys.GenerateKeys(r.Context(), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"publicKey": pub})
}

type StartAnalysisRequest struct {
	ChatID         string `json:"chatId,omitempty"`
	FileAnalysisID string `json:"fileAnalysisId"`
}

func (h *APIHandler) StartAnalysisHandler(w http.ResponseWriter, r *http.Request) {
	var req StartAnalysisRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.FileAnalysisID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"fileAnalysisId is required"})
		return
	}

	res, err := h.pipeline.StartAnalysis(r.Context(), userID(r), req.ChatID, req.FileAnalysisID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	chats, err := h.chatService.ListChats(r.Context(), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if chats == nil {
		chats = []store.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *APIHandler) GetChatHandler(w http.ResponseWriter, r *http.Request) {
	chat, err := h.chatService.GetChat(r.Context(), userID(r), chi.URLParam(r, "chatID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

type RenameChatRequest struct {
	Title string `json:"title"`
}

func (h *APIHandler) RenameChatHandler(w http.ResponseWriter, r *http.Request) {
	var req RenameChatRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.chatService.RenameChat(r.Context(), userID(r), chi.URLParam(r, "chatID"), req.Title); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.chatService.DeleteChat(r.Context(), userID(r), chi.URLParam(r, "chatID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type CutoffRequest struct {
	ChatID     string  `json:"chatId,omitempty"`
	CutoffDate *string `json:"cutoffDate"`
}

// parseDate accepts a calendar date in the service time zone or a full
// RFC 3339 timestamp.
func (h *APIHandler) parseDate(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(time.DateOnly, s, h.loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Join(core.ErrInvalidInput, err)
	}
	return t, nil
}

func (h *APIHandler) SetCutoffHandler(w http.ResponseWriter, r *http.Request) {
	var req CutoffRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	var date *time.Time
	if req.CutoffDate != nil && *req.CutoffDate != "" {
		d, err := h.parseDate(*req.CutoffDate)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		date = &d
	}
	if err := h.chatService.SetAnalysisCutoff(r.Context(), userID(r), req.ChatID, date); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) GetAnalysisHandler(w http.ResponseWriter, r *http.Request) {
	a, err := h.chatService.GetAnalysis(r.Context(), userID(r), chi.URLParam(r, "chatID"), chi.URLParam(r, "analysisID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *APIHandler) DeleteAnalysisHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.chatService.DeleteAnalysis(r.Context(), userID(r), chi.URLParam(r, "chatID"), chi.URLParam(r, "analysisID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) UpdateParticipantHandler(w http.ResponseWriter, r *http.Request) {
	var req core.ParticipantUpdate
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	err := h.chatService.UpdateParticipant(r.Context(), userID(r),
		chi.URLParam(r, "chatID"), chi.URLParam(r, "analysisID"), chi.URLParam(r, "participantID"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) DeleteParticipantHandler(w http.ResponseWriter, r *http.Request) {
	err := h.chatService.DeleteParticipant(r.Context(), userID(r),
		chi.URLParam(r, "chatID"), chi.URLParam(r, "analysisID"), chi.URLParam(r, "participantID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type SyncParticipantRequest struct {
	TargetID string `json:"targetId"`
}

func (h *APIHandler) SyncParticipantHandler(w http.ResponseWriter, r *http.Request) {
	var req SyncParticipantRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.TargetID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"targetId is required"})
		return
	}
	err := h.chatService.SyncParticipant(r.Context(), userID(r),
		chi.URLParam(r, "chatID"), chi.URLParam(r, "analysisID"), chi.URLParam(r, "participantID"), req.TargetID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ShareAnalysisHandler(w http.ResponseWriter, r *http.Request) {
	share, err := h.chatService.ShareAnalysis(r.Context(), userID(r), chi.URLParam(r, "chatID"), chi.URLParam(r, "analysisID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, share)
}

func (h *APIHandler) ListSharesHandler(w http.ResponseWriter, r *http.Request) {
	shares, err := h.chatService.ListShares(r.Context(), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shares)
}

func (h *APIHandler) GetShareHandler(w http.ResponseWriter, r *http.Request) {
	share, err := h.chatService.GetShare(r.Context(), chi.URLParam(r, "shareID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, share)
}

func (h *APIHandler) DeleteShareHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.chatService.DeleteShare(r.Context(), userID(r), chi.URLParam(r, "shareID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunAnalysisRequest names the trigger to run. The field keeps the name
// existing schedulers send.
type RunAnalysisRequest struct {
	TriggerID string `json:"analysisId"`
}

func (h *APIHandler) RunAnalysisHandler(w http.ResponseWriter, r *http.Request) {
	var req RunAnalysisRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.TriggerID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"analysisId is required"})
		return
	}
	if err := h.pipeline.EnqueueRun(r.Context(), req.TriggerID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type DeleteFilesRequest struct {
	UserID         string `json:"userId"`
	FileAnalysisID string `json:"fileAnalysisId"`
}

func (h *APIHandler) DeleteFilesHandler(w http.ResponseWriter, r *http.Request) {
	var req DeleteFilesRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.UserID == "" || req.FileAnalysisID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"userId and fileAnalysisId are required"})
		return
	}
	if err := h.pipeline.EnqueueCleanup(r.Context(), req.UserID, req.FileAnalysisID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

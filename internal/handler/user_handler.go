package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/hitoshi/pairchat/internal/middleware"
	"github.com/hitoshi/pairchat/internal/model"
	"github.com/hitoshi/pairchat/internal/protocol"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// ListContacts は自分以外のユーザー一覧を返す。
	ListContacts(ctx context.Context, selfID string) ([]model.Contact, error)
}

// HistoryServiceInterface は2者間のメッセージ履歴を返すサービスインターフェース。
// relay.Relayが実装する。
type HistoryServiceInterface interface {
	History(ctx context.Context, selfID, peerID string) ([]*model.Message, error)
}

// UserHandler はユーザーディレクトリと履歴のHTTPハンドラー。
type UserHandler struct {
	users   UserServiceInterface
	history HistoryServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(users UserServiceInterface, history HistoryServiceInterface) *UserHandler {
	return &UserHandler{
		users:   users,
		history: history,
	}
}

// contactResponse は連絡先一覧のレスポンス要素。
type contactResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListContacts は自分以外のユーザー一覧を返す。
// GET /api/users
func (h *UserHandler) ListContacts(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		unauthorized(w)
		return
	}

	contacts, err := h.users.ListContacts(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := lo.Map(contacts, func(c model.Contact, _ int) contactResponse {
		return contactResponse{ID: c.ID, Name: c.Name}
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// History は相手とのメッセージ履歴を古い順に返す。
// 要素の形式はWebSocketのmessageイベントと同じ。
// GET /api/users/messages/{peerId}
func (h *UserHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		unauthorized(w)
		return
	}

	peerID := chi.URLParam(r, "peerId")
	messages, err := h.history.History(r.Context(), userID, peerID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := lo.Map(messages, func(m *model.Message, _ int) protocol.MessageEvent {
		return protocol.ToMessageEvent(*m)
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

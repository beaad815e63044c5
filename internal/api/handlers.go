package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spayyavula/campuspandit-sub002/internal/types"
)

const healthCheckTimeout = 2 * time.Second

type TopicRequest struct {
	Topic string `json:"topic"`
}

type TypingRequest struct {
	Topic string `json:"topic"`
	// IsTyping false stops the indicator.
	IsTyping *bool `json:"is_typing"`
}

type ReadReceiptRequest struct {
	MessageId string `json:"message_id"`
}

type PresenceRequest struct {
	Online *bool `json:"online"`
}

type SubscriptionResponse struct {
	ConnId string `json:"conn_id"`
	Topic  string `json:"topic"`
}

type OnlineUsersResponse struct {
	Users []string `json:"users"`
	Count int      `json:"count"`
}

type ChannelOnlineResponse struct {
	ChannelId string   `json:"channel_id"`
	Users     []string `json:"users"`
}

type ChannelPresenceResponse struct {
	ChannelId string                 `json:"channel_id"`
	Members   []types.PresenceRecord `json:"members"`
}

type ChannelTypingResponse struct {
	ChannelId string                  `json:"channel_id"`
	Typing    []types.TypingIndicator `json:"typing"`
}

func (s *RealtimeApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", "error", err)
	}
}

func (s *RealtimeApp) writeHubError(w http.ResponseWriter, r *http.Request, err error) {
	errResp := NewHubError(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "error", err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *RealtimeApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.log.Error("health check", "error", err)
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *RealtimeApp) serveWs(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrading connection", "user_id", user.Id, "error", err)
		return
	}

	if err := s.hub.ServeWebSocket(r.Context(), user, conn); err != nil {
		s.log.Warn("websocket connect", "user_id", user.Id, "error", err)
	}
}

func (s *RealtimeApp) serveSSE(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.hub.ServeSSE(w, r, user); err != nil {
		s.writeHubError(w, r, err)
	}
}

func (s *RealtimeApp) subscribe(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req TopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	connId := r.PathValue("id")
	if err := s.hub.Subscribe(r.Context(), user, connId, req.Topic); err != nil {
		s.writeHubError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, SubscriptionResponse{ConnId: connId, Topic: req.Topic})
}

func (s *RealtimeApp) unsubscribe(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	topic := r.URL.Query().Get("topic")
	if topic == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.hub.Unsubscribe(r.Context(), user, r.PathValue("id"), topic); err != nil {
		s.writeHubError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *RealtimeApp) setTyping(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req TypingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var (
		indicator types.TypingIndicator
		err       error
	)
	if req.IsTyping != nil && !*req.IsTyping {
		indicator, err = s.hub.StopTyping(r.Context(), user, req.Topic)
	} else {
		indicator, err = s.hub.SetTyping(r.Context(), user, req.Topic)
	}
	if err != nil {
		s.writeHubError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, indicator)
}

func (s *RealtimeApp) setPresence(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req PresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, s.hub.SetOnlineStatus(user, *req.Online))
}

func (s *RealtimeApp) onlineUsers(w http.ResponseWriter, r *http.Request) {
	users := s.hub.Presence().OnlineUsers()
	s.writeJson(w, http.StatusOK, OnlineUsersResponse{Users: users, Count: len(users)})
}

func (s *RealtimeApp) userPresence(w http.ResponseWriter, r *http.Request) {
	userId := r.PathValue("user_id")
	if userId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, s.hub.Presence().Record(userId))
}

func (s *RealtimeApp) channelOnline(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channelId := r.PathValue("channel_id")
	users, err := s.hub.ChannelOnline(r.Context(), user, channelId)
	if err != nil {
		s.writeHubError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, ChannelOnlineResponse{ChannelId: channelId, Users: users})
}

func (s *RealtimeApp) channelTyping(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channelId := r.PathValue("channel_id")
	typing, err := s.hub.ChannelTyping(r.Context(), user, channelId)
	if err != nil {
		s.writeHubError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, ChannelTypingResponse{ChannelId: channelId, Typing: typing})
}

func (s *RealtimeApp) markRead(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req ReadReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	receipt, err := s.hub.MarkRead(r.Context(), user, r.PathValue("channel_id"), req.MessageId)
	if err != nil {
		s.writeHubError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, receipt)
}

func (s *RealtimeApp) channelPresence(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channelId := r.PathValue("channel_id")
	members, err := s.hub.ChannelPresence(r.Context(), user, channelId)
	if err != nil {
		s.writeHubError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, ChannelPresenceResponse{ChannelId: channelId, Members: members})
}

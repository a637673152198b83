package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/singul4ri7y/murphys-kitchen/internal/conversation"
	"github.com/singul4ri7y/murphys-kitchen/internal/rtc"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

type postMessageRequest struct {
	Content string `json:"content"`
}

type postMessageResponse struct {
	Message conversation.Message  `json:"message"`
	Reply   *conversation.Message `json:"reply,omitempty"`
}

// wsMessage is one frame of the conversation stream
type wsMessage struct {
	Type     string                 `json:"type"`
	Message  *conversation.Message  `json:"message,omitempty"`
	Messages []conversation.Message `json:"messages,omitempty"`
}

// handleListMessages implements GET /api/messages
func (h *HTTPServer) handleListMessages(c echo.Context) error {
	messages := h.deps.Conversation.List()

	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":    len(messages),
		"messages": messages,
	})
}

// handlePostMessage implements POST /api/messages. With a responder the
// assistant's reply is appended after the user message.
func (h *HTTPServer) handlePostMessage(c echo.Context) error {
	var req postMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if h.deps.Responder == nil {
		msg, err := h.deps.Conversation.Append(conversation.RoleUser, strings.TrimSpace(req.Content))
		if err != nil {
			return messageError(err)
		}
		return c.JSON(http.StatusCreated, postMessageResponse{Message: msg})
	}

	msg, reply, err := h.deps.Responder.Send(c.Request().Context(), req.Content)
	if err != nil {
		return messageError(err)
	}

	return c.JSON(http.StatusCreated, postMessageResponse{Message: msg, Reply: &reply})
}

func messageError(err error) error {
	if errors.Is(err, conversation.ErrEmptyContent) || errors.Is(err, conversation.ErrInvalidRole) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// handleClearMessages implements DELETE /api/messages
func (h *HTTPServer) handleClearMessages(c echo.Context) error {
	h.deps.Conversation.Clear()
	h.logger.Info("Conversation cleared")
	return c.NoContent(http.StatusNoContent)
}

// handleCall implements POST /api/call
func (h *HTTPServer) handleCall(c echo.Context) error {
	if h.deps.Calls == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "calls are not enabled")
	}

	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid offer")
	}

	answer, err := h.deps.Calls.HandleOffer(c.Request().Context(), offer)
	if err != nil {
		if errors.Is(err, rtc.ErrInvalidOffer) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		h.logger.Error("WebRTC offer failed", slog.String("error", err.Error()))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to negotiate call")
	}

	return c.JSON(http.StatusOK, answer)
}

// handleWebSocket implements GET /api/ws. The client receives a snapshot of
// the conversation followed by every append and clear.
func (h *HTTPServer) handleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response
		h.logger.Debug("WebSocket upgrade failed", slog.String("error", err.Error()))
		return nil
	}
	defer conn.Close()

	// Subscribe before the snapshot so no event is lost in between
	events, cancel := h.deps.Conversation.Subscribe()
	defer cancel()

	if err := h.writeFrame(conn, wsMessage{Type: "snapshot", Messages: h.deps.Conversation.List()}); err != nil {
		return nil
	}

	// Reads only detect the peer going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return nil

		case <-h.shutdown:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := h.writeFrame(conn, wsMessage{Type: string(ev.Type), Message: ev.Message}); err != nil {
				return nil
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return nil
			}
		}
	}
}

func (h *HTTPServer) writeFrame(conn *websocket.Conn, msg wsMessage) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug("WebSocket write failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

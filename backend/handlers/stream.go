// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/efchatnet/efthreads/backend/delivery"
	"github.com/efchatnet/efthreads/backend/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

const (
	FrameReady   = "ready"
	FrameMessage = "message"
)

// StreamFrame is one websocket text frame. A ready frame is sent once the
// server-side subscription is live; anything appended after it is pushed.
// With after_seq the replayed history follows the ready frame.
type StreamFrame struct {
	Type    string          `json:"type"`
	Message *models.Message `json:"message,omitempty"`
}

// CloseDisconnected is the close code sent when the server drops a
// subscription. Clients resubscribe and reconcile from history.
const CloseDisconnected = websocket.CloseTryAgainLater

// Stream pushes the thread's messages over a websocket as JSON frames.
// Without after_seq only live messages are sent and a dropped
// subscription closes the socket with CloseDisconnected. With after_seq
// the server replays history first and reconnects internally.
func (h *MessageHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	threadID := mux.Vars(r)["threadId"]

	follow := r.URL.Query().Has("after_seq")
	afterSeq, err := queryInt(r, "after_seq")
	if err != nil {
		http.Error(w, "Invalid after_seq", http.StatusBadRequest)
		return
	}

	if _, err := memberThread(r.Context(), h.registry, threadID, userID); err != nil {
		writeError(w, err, "Failed to open stream")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("thread_id", threadID),
			zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go readPump(conn, cancel)
	go pingPump(ctx, conn)

	write := func(frame StreamFrame) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(frame)
	}
	send := func(msg models.Message) error {
		return write(StreamFrame{Type: FrameMessage, Message: &msg})
	}

	if follow {
		src := &readySource{Source: h.service, ready: func() error {
			return write(StreamFrame{Type: FrameReady})
		}}
		err = delivery.Follow(ctx, src, threadID, afterSeq, send, delivery.FollowOptions{Logger: h.logger})
	} else {
		err = h.pump(ctx, threadID, write, send)
	}

	code, text := websocket.CloseGoingAway, "stream closed"
	switch {
	case errors.Is(err, delivery.ErrDisconnected):
		code, text = CloseDisconnected, "subscription dropped"
	case ctx.Err() != nil:
		return
	case err != nil:
		h.logger.Debug("stream ended",
			zap.String("thread_id", threadID),
			zap.Error(err))
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait))
}

func (h *MessageHandler) pump(ctx context.Context, threadID string, write func(StreamFrame) error, send func(models.Message) error) error {
	sub, err := h.service.Subscribe(ctx, threadID)
	if err != nil {
		return err
	}
	defer sub.Close()

	if err := write(StreamFrame{Type: FrameReady}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return sub.Err()
			}
			if err := send(msg); err != nil {
				return err
			}
		}
	}
}

// readPump discards client frames and cancels once the peer goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func pingPump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readySource sends the ready frame after Follow's first subscription is
// live. Later resubscriptions are silent.
type readySource struct {
	delivery.Source
	ready func() error
	sent  bool
}

func (s *readySource) Subscribe(ctx context.Context, threadID string) (delivery.Subscription, error) {
	sub, err := s.Source.Subscribe(ctx, threadID)
	if err != nil || s.sent {
		return sub, err
	}
	if err := s.ready(); err != nil {
		sub.Close()
		return nil, err
	}
	s.sent = true
	return sub, nil
}

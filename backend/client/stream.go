// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/efchatnet/efthreads/backend/delivery"
	"github.com/efchatnet/efthreads/backend/handlers"
)

const (
	// idleTimeout must exceed the server's ping period.
	idleTimeout  = 90 * time.Second
	readyTimeout = 10 * time.Second
	writeWait    = 10 * time.Second
)

var _ delivery.Source = (*Client)(nil)

func (c *Client) streamURL(threadID string) string {
	u := c.baseURL + threadPath(threadID, "stream")
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// Subscribe opens the thread's live stream. It returns once the server
// reports the subscription ready. Any loss of the socket that the caller
// did not ask for ends the subscription with delivery.ErrDisconnected.
func (c *Client) Subscribe(ctx context.Context, threadID string) (delivery.Subscription, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := c.dialer.DialContext(ctx, c.streamURL(threadID), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			defer resp.Body.Close()
			return nil, parseErrorResponse(resp)
		}
		return nil, fmt.Errorf("%w: %v", delivery.ErrDisconnected, err)
	}

	conn.SetReadDeadline(time.Now().Add(readyTimeout))
	var frame handlers.StreamFrame
	if err := conn.ReadJSON(&frame); err != nil || frame.Type != handlers.FrameReady {
		conn.Close()
		if err == nil {
			err = fmt.Errorf("unexpected %q frame", frame.Type)
		}
		return nil, fmt.Errorf("%w: %v", delivery.ErrDisconnected, err)
	}

	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	feed := delivery.NewFeed(c.buffer, func() { conn.Close() })
	go receive(conn, feed)
	return feed, nil
}

func receive(conn *websocket.Conn, feed *delivery.Feed) {
	for {
		var frame handlers.StreamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if !feed.Done() {
				feed.Fail(fmt.Errorf("%w: %v", delivery.ErrDisconnected, err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(idleTimeout))

		if frame.Type != handlers.FrameMessage || frame.Message == nil {
			continue
		}
		if !feed.Deliver(*frame.Message) {
			return
		}
	}
}

package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"quorumvault/pkg/events"
	"quorumvault/pkg/httpx"
	"quorumvault/pkg/stream"
)

// streamReady is the first frame on every stream connection.
type streamReady struct {
	Type   string `json:"type"`
	Wallet string `json:"wallet,omitempty"`
}

func streamFilter(r *http.Request) stream.Filter {
	q := r.URL.Query()
	f := stream.Filter{Wallet: strings.TrimSpace(q.Get("wallet"))}
	for _, raw := range splitCSV(q.Get("types")) {
		if f.Types == nil {
			f.Types = map[events.Type]struct{}{}
		}
		f.Types[events.Type(raw)] = struct{}{}
	}
	return f
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	filter := streamFilter(r)
	if filter.Wallet != "" {
		if _, ok := parseIdentity(w, filter.Wallet, "wallet"); !ok {
			return
		}
	}
	opts := &websocket.AcceptOptions{}
	if len(s.WSAllowedOrigins) > 0 {
		opts.OriginPatterns = s.WSAllowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64, filter)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, streamReady{Type: "ready", Wallet: filter.Wallet})
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

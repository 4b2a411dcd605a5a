package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/icexin/gocraft-collab/proto"
)

func readWS(t *testing.T, conn *websocket.Conn) proto.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitTimeout))
	typ, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if typ != websocket.TextMessage {
		t.Fatalf("expected text message, got %d", typ)
	}
	env, err := proto.Parse(msg)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestWebsocketClientJoinsSameWorld(t *testing.T) {
	srv, addr := startServer(t)
	srv.World().ApplyPlace(proto.BlockPos{0, 0, 0}, "grass")

	hs := httptest.NewServer(srv.WebsocketHandler())
	defer hs.Close()
	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http")

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	env := readWS(t, ws)
	if env.Type != proto.TypeInit || env.ClientId == "" {
		t.Fatalf("unexpected first message %+v", env)
	}
	var init proto.Init
	if err := env.Decode(&init); err != nil {
		t.Fatal(err)
	}
	if len(init.Blocks) != 1 || init.Blocks[0].BlockType != "grass" {
		t.Fatalf("unexpected snapshot %+v", init.Blocks)
	}
	wsID := env.ClientId

	tcp := dialTest(t, addr)

	place, _ := proto.NewEnvelope(proto.TypeBlockPlace, proto.BlockPlace{Position: proto.BlockPos{2, 0, 3}, BlockType: "stone"})
	b, _ := json.Marshal(place)
	if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatal(err)
	}
	tcp.expect(proto.TypeBlockPlace)

	tcp.send(proto.TypePlayerUpdate, poseAt(3))
	env = readWS(t, ws)
	if env.Type != proto.TypePlayerUpdate || env.ClientId != tcp.id {
		t.Fatalf("unexpected relay %+v", env)
	}

	// garbage closes the websocket client only
	if err := ws.WriteMessage(websocket.TextMessage, []byte("(1, 2, 3)")); err != nil {
		t.Fatal(err)
	}
	ws.SetReadDeadline(time.Now().Add(waitTimeout))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("expected websocket to be closed")
	}
	waitFor(t, "websocket session cleanup", func() bool {
		found := false
		srv.RangeSession(func(id string, _ *Session) {
			if id == wsID {
				found = true
			}
		})
		return !found
	})
	if typ, _ := srv.World().Block(proto.BlockPos{2, 0, 3}); typ != "stone" {
		t.Fatalf("websocket edit not applied")
	}
}

func TestWebsocketRefusedAfterShutdown(t *testing.T) {
	srv := NewServer(NewWorld(), DefaultConfig(), log.New(io.Discard, "", 0))
	hs := httptest.NewServer(srv.WebsocketHandler())
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		ws.Close()
		t.Fatalf("upgrade accepted after shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", err)
	}
	if srv.NumSessions() != 0 {
		t.Fatalf("session registered after shutdown")
	}
}

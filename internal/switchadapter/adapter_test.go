package switchadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicedesk/secretary/internal/calldata"
	"github.com/voicedesk/secretary/internal/eventbus"
)

var upgrader = websocket.Upgrader{}

func dialTestWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial test websocket: %v", err)
	}
	return conn
}

func TestDispatchReturnsSwitchResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var env commandEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Verb != "hold" {
			t.Errorf("server received verb %q, want hold", env.Verb)
		}
		_ = conn.WriteJSON(resultEnvelope{ID: env.ID, OK: true, Data: map[string]any{"held": true}})
	}))
	defer ts.Close()

	conn := dialTestWS(t, ts)
	defer conn.Close()

	a := New("call-1", conn, nil, nil, eventbus.New())
	a.Start(context.Background())

	data, err := a.Dispatch(context.Background(), "hold", nil, time.Second)
	if err != nil {
		t.Fatalf("Dispatch(hold) error = %v", err)
	}
	if data["held"] != true {
		t.Fatalf("Dispatch(hold) data = %+v, want held=true", data)
	}
}

func TestDispatchTimesOutWhenSwitchNeverReplies(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(time.Second)
	}))
	defer ts.Close()

	conn := dialTestWS(t, ts)
	defer conn.Close()

	a := New("call-1", conn, nil, nil, eventbus.New())
	a.Start(context.Background())

	_, err := a.Dispatch(context.Background(), "dial", nil, 30*time.Millisecond)
	if err == nil {
		t.Fatalf("Dispatch should have timed out")
	}
}

func TestReadEventsPublishesNormalizedVoiceEvent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(eventEnvelope{
			Kind:    string(calldata.EventUserDTMF),
			CallID:  "call-2",
			Payload: map[string]any{"digit": "5"},
		})
		time.Sleep(50 * time.Millisecond)
	}))
	defer ts.Close()

	conn := dialTestWS(t, ts)
	defer conn.Close()

	bus := eventbus.New()
	received := make(chan calldata.VoiceEvent, 1)
	bus.Subscribe(calldata.EventUserDTMF, func(e calldata.VoiceEvent) {
		received <- e
	})

	a := New("call-2", nil, conn, nil, bus)
	a.Start(context.Background())

	select {
	case evt := <-received:
		if evt.Payload["digit"] != "5" {
			t.Fatalf("evt.Payload = %+v, want digit=5", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("did not receive normalized event")
	}
}

func TestSendAudioFrameWritesBinaryMessage(t *testing.T) {
	received := make(chan []byte, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- data
		}
	}))
	defer ts.Close()

	conn := dialTestWS(t, ts)
	defer conn.Close()

	a := New("call-3", nil, nil, conn, eventbus.New())
	frame := []byte{1, 2, 3, 4}
	if err := a.SendAudioFrame(frame); err != nil {
		t.Fatalf("SendAudioFrame error = %v", err)
	}

	select {
	case got := <-received:
		if string(got) != string(frame) {
			t.Fatalf("got %v, want %v", got, frame)
		}
	case <-time.After(time.Second):
		t.Fatalf("server did not receive audio frame")
	}
}

func TestAudioFramesChannelDeliversInboundMedia(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{9, 8, 7})
		time.Sleep(50 * time.Millisecond)
	}))
	defer ts.Close()

	conn := dialTestWS(t, ts)
	defer conn.Close()

	a := New("call-4", nil, nil, conn, eventbus.New())
	a.Start(context.Background())

	select {
	case frame := <-a.AudioFrames():
		if string(frame.Payload) != string([]byte{9, 8, 7}) {
			t.Fatalf("frame.Payload = %v, want [9 8 7]", frame.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("did not receive inbound audio frame")
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

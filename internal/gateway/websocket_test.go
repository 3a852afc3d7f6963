package gateway

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/wagate/pkg/models"
)

func dialStream(t *testing.T, env *testEnv, tenantID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/tenants/" + tenantID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) StreamFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame StreamFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestStream_StatusThenEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.provision(t, "t1")
	conn := dialStream(t, env, "t1")

	first := readFrame(t, conn)
	if first.Type != FrameStatus || first.Status == nil || first.Status.Connectivity != models.ConnectivityInitializing {
		t.Fatalf("first frame = %+v", first)
	}

	client.EmitPairingToken("ABC123")
	client.EmitConnected("Alice", "+100")
	client.EmitMessage("+300", "hello")

	want := []models.EventKind{models.EventPairingToken, models.EventConnected, models.EventMessageReceived}
	var lastSeq uint64
	for i, kind := range want {
		frame := readFrame(t, conn)
		if frame.Type != FrameEvent || frame.Event == nil {
			t.Fatalf("frame %d = %+v", i, frame)
		}
		if frame.Event.Kind != kind {
			t.Errorf("frame %d kind = %q, want %q", i, frame.Event.Kind, kind)
		}
		if frame.Event.Seq <= lastSeq {
			t.Errorf("frame %d seq = %d, not after %d", i, frame.Event.Seq, lastSeq)
		}
		lastSeq = frame.Event.Seq
	}
}

func TestStream_ClosedOnDestroy(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provision(t, "t1")
	conn := dialStream(t, env, "t1")
	readFrame(t, conn)

	if status, body := env.do(t, http.MethodDelete, "/v1/tenants/t1", nil); status != http.StatusNoContent {
		t.Fatalf("destroy = %d %s", status, body)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after destroy error = %v, want going-away close", err)
	}
}

func TestStream_UnknownTenant(t *testing.T) {
	env := newTestEnv(t, nil)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/tenants/t9/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("response = %v, want 404", resp)
	}
}

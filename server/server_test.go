package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bittoy/i3x/datasource/mock"
	"github.com/bittoy/i3x/graph"
	"github.com/bittoy/i3x/subscription"
	"github.com/bittoy/i3x/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, _ := newTestServerAndSubs(t)
	return s
}

func newTestServerAndSubs(t *testing.T) (*Server, *subscription.Engine) {
	t.Helper()
	src := mock.New(mock.Configuration{})
	g := graph.New(src)
	subs := subscription.New(nil, g)
	return New(nil, g, subs), subs
}

func TestHandleListNamespaces(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/namespaces", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleGetObjectUnknownIsNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/objects/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleGetValueKnownElement(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/objects/sensor-001/value", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleWriteValueThenReadBack(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(42.5)
	req := httptest.NewRequest(http.MethodPut, "/objects/sensor-001/value", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/objects/sensor-001/value", nil)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, getReq)
	var got map[string]any
	if err := json.Unmarshal(getRec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode read-back: %v", err)
	}
	if got["value"] != 42.5 {
		t.Fatalf("expected read-back value 42.5, got %v", got["value"])
	}
}

func TestHandleWriteValueInvalidBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPut, "/objects/sensor-001/value", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateSubscriptionThenRegisterThenSync(t *testing.T) {
	s := newTestServer(t)

	createBody, _ := json.Marshal(createSubscriptionRequest{QoS: "QoS2"})
	createReq := httptest.NewRequest(http.MethodPost, "/subscriptions", bytes.NewReader(createBody))
	createRec := httptest.NewRecorder()
	s.ServeHTTP(createRec, createReq)
	if createRec.Code != http.StatusOK {
		t.Fatalf("expected 200 creating subscription, got %d: %s", createRec.Code, createRec.Body.String())
	}
	var created createSubscriptionResponse
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.SubscriptionId == "" {
		t.Fatalf("expected non-empty subscriptionId")
	}

	regBody, _ := json.Marshal(registerRequest{ElementIds: []string{"pump-101"}, MaxDepth: 0})
	regReq := httptest.NewRequest(http.MethodPost, "/subscriptions/"+created.SubscriptionId+"/register", bytes.NewReader(regBody))
	regRec := httptest.NewRecorder()
	s.ServeHTTP(regRec, regReq)
	if regRec.Code != http.StatusOK {
		t.Fatalf("expected 200 registering, got %d: %s", regRec.Code, regRec.Body.String())
	}

	syncReq := httptest.NewRequest(http.MethodPost, "/subscriptions/"+created.SubscriptionId+"/sync", nil)
	syncRec := httptest.NewRecorder()
	s.ServeHTTP(syncRec, syncReq)
	if syncRec.Code != http.StatusOK {
		t.Fatalf("expected 200 syncing, got %d: %s", syncRec.Code, syncRec.Body.String())
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/subscriptions/"+created.SubscriptionId, nil)
	delRec := httptest.NewRecorder()
	s.ServeHTTP(delRec, delReq)
	if delRec.Code != http.StatusOK {
		t.Fatalf("expected 200 deleting, got %d: %s", delRec.Code, delRec.Body.String())
	}
}

func TestSyncOnUnknownSubscriptionIsNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/subscriptions/does-not-exist/sync", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// TestWebSocketStreamDeliversQoS0Update exercises the alternate QoS0
// transport end to end: upgrade, register, dispatch, read one frame.
func TestWebSocketStreamDeliversQoS0Update(t *testing.T) {
	s, subs := newTestServerAndSubs(t)
	httpSrv := httptest.NewServer(s)
	defer httpSrv.Close()

	createBody, _ := json.Marshal(createSubscriptionRequest{QoS: "QoS0"})
	createReq := httptest.NewRequest(http.MethodPost, "/subscriptions", bytes.NewReader(createBody))
	createRec := httptest.NewRecorder()
	s.ServeHTTP(createRec, createReq)
	var created createSubscriptionResponse
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	regBody, _ := json.Marshal(registerRequest{ElementIds: []string{"sensor-001"}, MaxDepth: 1})
	regReq := httptest.NewRequest(http.MethodPost, "/subscriptions/"+created.SubscriptionId+"/register", bytes.NewReader(regBody))
	regRec := httptest.NewRecorder()
	s.ServeHTTP(regRec, regReq)
	if regRec.Code != http.StatusOK {
		t.Fatalf("expected 200 registering, got %d: %s", regRec.Code, regRec.Body.String())
	}

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/subscriptions/" + created.SubscriptionId + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// Give OpenStream a moment to register before dispatching, since the
	// upgrade handshake and registration both happen concurrently with this
	// goroutine.
	time.Sleep(50 * time.Millisecond)
	subs.Dispatch(types.ObjectInstance{ElementId: "sensor-001"}, types.Record{Value: 71.2, Quality: types.QualityGood, Timestamp: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var update subscription.Update
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("reading websocket update: %v", err)
	}
	if update.ElementId != "sensor-001" {
		t.Fatalf("expected update for sensor-001, got %+v", update)
	}
}

package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bittoy/i3x/subscription"
	"github.com/bittoy/i3x/types"
)

type createSubscriptionRequest struct {
	QoS string `json:"qos"`
}

type createSubscriptionResponse struct {
	SubscriptionId string `json:"subscriptionId"`
	Message        string `json:"message"`
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.KindValidation, "invalid JSON body: "+err.Error()))
		return
	}
	sub, err := s.subs.Create(subscription.QoS(req.QoS))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, createSubscriptionResponse{SubscriptionId: sub.Id, Message: "created"})
}

// handleSubscriptionSubroutes dispatches every /subscriptions/{id}[...] path.
func (s *Server) handleSubscriptionSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/subscriptions/")
	segments := strings.Split(rest, "/")
	id := segments[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch {
	case len(segments) == 1 && r.Method == http.MethodDelete:
		s.handleDeleteSubscription(w, r, id)
	case len(segments) == 2 && segments[1] == "register":
		s.handleRegisterItems(w, r, id)
	case len(segments) == 2 && segments[1] == "unregister":
		s.handleUnregisterItems(w, r, id)
	case len(segments) == 2 && segments[1] == "stream":
		s.handleStream(w, r, id)
	case len(segments) == 2 && segments[1] == "ws":
		s.handleWebSocketStream(w, r, id)
	case len(segments) == 2 && segments[1] == "sync":
		s.handleSync(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

type registerRequest struct {
	ElementIds []string `json:"elementIds"`
	MaxDepth   int      `json:"maxDepth"`
}

type registerResponse struct {
	MonitoredItemCount int `json:"monitoredItemCount"`
}

func (s *Server) handleRegisterItems(w http.ResponseWriter, r *http.Request, id string) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.KindValidation, "invalid JSON body: "+err.Error()))
		return
	}
	count, err := s.subs.Register(r.Context(), id, req.ElementIds, req.MaxDepth)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, registerResponse{MonitoredItemCount: count})
}

func (s *Server) handleUnregisterItems(w http.ResponseWriter, r *http.Request, id string) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.KindValidation, "invalid JSON body: "+err.Error()))
		return
	}
	count, err := s.subs.Unregister(r.Context(), id, req.ElementIds, req.MaxDepth)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, registerResponse{MonitoredItemCount: count})
}

// handleStream opens the QoS0 newline-delimited-JSON stream (design §6).
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, types.NewError(types.KindInternal, "streaming unsupported by response writer"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := subscription.NewHTTPStreamSink(s.logger, w, flusher)
	if _, err := s.subs.OpenStream(id, sink); err != nil {
		sink.Close()
		writeError(w, err)
		return
	}
	<-r.Context().Done()
	sink.Close()
}

// handleWebSocketStream opens the QoS0 alternate transport (design §4.6):
// upgrades the connection, then hands a WebSocketSink to the subscription as
// its delivery sink until the client disconnects.
func (s *Server) handleWebSocketStream(w http.ResponseWriter, r *http.Request, id string) {
	conn, err := s.upgrade.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("subscription: websocket upgrade failed for %s: %v", id, err)
		return
	}
	sink := subscription.NewWebSocketSink(s.logger, conn)
	if _, err := s.subs.OpenStream(id, sink); err != nil {
		sink.Close()
		writeWebSocketError(conn, err)
		return
	}
	// Block until the client closes the connection; ReadMessage returns once
	// that happens (this sink never reads application messages from conn).
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	sink.Close()
}

// writeWebSocketError sends a best-effort close frame carrying err's message
// before the sink is ever handed the connection.
func writeWebSocketError(conn *websocket.Conn, err error) {
	msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error())
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	updates, err := s.subs.Sync(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, updates)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.subs.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"deleted": true})
}

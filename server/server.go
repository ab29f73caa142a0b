// Package server is the thin HTTP boundary (C7, design §6). It is
// deliberately stdlib-net/http-only: this boundary layer is explicitly out
// of core scope (spec §1), provided here only so the core (graph +
// subscription + multi-source manager) is exercisable end to end. See
// DESIGN.md for why no third-party router is pulled in for this one
// package.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bittoy/i3x/graph"
	"github.com/bittoy/i3x/subscription"
	"github.com/bittoy/i3x/types"
)

// Server wires the graph and subscription engines to HTTP handlers per the
// endpoint table of design §6.
type Server struct {
	logger  types.Logger
	graph   *graph.Engine
	subs    *subscription.Engine
	mux     *http.ServeMux
	upgrade websocket.Upgrader
}

// New builds a Server over graphEngine and subsEngine and registers every
// route from the design §6 endpoint table.
func New(logger types.Logger, graphEngine *graph.Engine, subsEngine *subscription.Engine) *Server {
	if logger == nil {
		logger = types.DefaultLogger()
	}
	s := &Server{
		logger: logger,
		graph:  graphEngine,
		subs:   subsEngine,
		mux:    http.NewServeMux(),
		// CheckOrigin always allows: this boundary has no cookie/session
		// auth to protect against cross-site upgrade, matching the rest of
		// the C7 layer's "no auth of its own" scope (spec §1).
		upgrade: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/namespaces", s.handleListNamespaces)
	s.mux.HandleFunc("/objecttypes", s.handleObjectTypes)
	s.mux.HandleFunc("/objecttypes/", s.handleObjectTypeById)
	s.mux.HandleFunc("/relationshiptypes", s.handleListRelationshipTypes)
	s.mux.HandleFunc("/objects", s.handleListObjects)
	s.mux.HandleFunc("/objects/", s.handleObjectSubroutes)
	s.mux.HandleFunc("/subscriptions", s.handleCreateSubscription)
	s.mux.HandleFunc("/subscriptions/", s.handleSubscriptionSubroutes)
}

// writeError maps a types.Kind to its HTTP status code (design §6/§7) and
// writes a small JSON error body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch types.KindOf(err) {
	case types.KindValidation:
		status = http.StatusBadRequest
	case types.KindNotFound:
		status = http.StatusNotFound
	case types.KindUnsupported:
		status = http.StatusNotImplemented
	case types.KindTransient, types.KindConnect, types.KindInternal:
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	ns, err := s.graph.ListNamespaces(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, ns)
}

func (s *Server) handleObjectTypes(w http.ResponseWriter, r *http.Request) {
	types_, err := s.graph.ListObjectTypes(r.Context(), r.URL.Query().Get("namespaceUri"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, types_)
}

func (s *Server) handleObjectTypeById(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/objecttypes/")
	t, err := s.graph.GetObjectType(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, t)
}

func (s *Server) handleListRelationshipTypes(w http.ResponseWriter, r *http.Request) {
	rts, err := s.graph.ListRelationshipTypes(r.Context(), r.URL.Query().Get("namespaceUri"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rts)
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	instances, err := s.graph.ListInstances(r.Context(), r.URL.Query().Get("typeId"))
	if err != nil {
		writeError(w, err)
		return
	}
	// includeMetadata is purely a display toggle at this boundary (design §9
	// Open Question resolution): sources return instances with whatever
	// Metadata they carry (none of the built-in sources sets any), and this
	// layer decides whether to surface it.
	if r.URL.Query().Get("includeMetadata") != "true" {
		for i := range instances {
			instances[i].Metadata = nil
		}
	}
	writeJSON(w, instances)
}

// handleObjectSubroutes dispatches every /objects/{id}[...] path, since the
// stdlib mux has no path-parameter support.
func (s *Server) handleObjectSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/objects/")
	segments := strings.Split(rest, "/")
	id := segments[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch {
	case len(segments) == 1:
		s.handleGetObject(w, r, id)
	case len(segments) == 2 && segments[1] == "related":
		s.handleRelatedObjects(w, r, id)
	case len(segments) == 2 && segments[1] == "value" && r.Method == http.MethodGet:
		s.handleGetValue(w, r, id)
	case len(segments) == 2 && segments[1] == "value" && r.Method == http.MethodPut:
		s.handleWriteValue(w, r, id)
	case len(segments) == 2 && segments[1] == "history":
		s.handleHistory(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, id string) {
	inst, err := s.graph.GetInstance(r.Context(), id, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, inst)
}

func (s *Server) handleRelatedObjects(w http.ResponseWriter, r *http.Request, id string) {
	related, err := s.graph.GetRelatedInstances(r.Context(), id, r.URL.Query().Get("relationshiptype"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, related)
}

func parseMaxDepth(r *http.Request) int {
	if raw := r.URL.Query().Get("maxDepth"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return 1
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, types.NewError(types.KindValidation, "invalid "+name+": "+err.Error())
	}
	return t, nil
}

func (s *Server) handleGetValue(w http.ResponseWriter, r *http.Request, id string) {
	val, err := s.graph.GetValues(r.Context(), id, time.Time{}, time.Time{}, parseMaxDepth(r), false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, val)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, id string) {
	start, err := parseTimeParam(r, "startTime")
	if err != nil {
		writeError(w, err)
		return
	}
	end, err := parseTimeParam(r, "endTime")
	if err != nil {
		writeError(w, err)
		return
	}
	val, err := s.graph.GetValues(r.Context(), id, start, end, parseMaxDepth(r), true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, val)
}

func (s *Server) handleWriteValue(w http.ResponseWriter, r *http.Request, id string) {
	var value any
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		writeError(w, types.NewError(types.KindValidation, "invalid JSON body: "+err.Error()))
		return
	}
	result, err := s.graph.UpdateValue(r.Context(), id, value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

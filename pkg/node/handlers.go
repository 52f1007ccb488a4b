package node

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/internal/telemetry"
	"github.com/ryandielhenn/zephyrsync/pkg/datasync"
	"github.com/ryandielhenn/zephyrsync/pkg/permissions"
	"github.com/ryandielhenn/zephyrsync/pkg/syncproxy"
	"github.com/ryandielhenn/zephyrsync/pkg/transport"
)

const maxBody = 4 << 20

// Handler wires every node endpoint onto a fresh mux.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", n.Healthz)
	mux.HandleFunc("GET /info", n.Info)
	mux.Handle("GET /metrics", telemetry.MetricsHandler())

	mux.Handle("POST "+transport.MessagePath, telemetry.Instrument("sync_message", http.HandlerFunc(n.Message)))
	mux.Handle("POST "+transport.SnapshotPath, telemetry.Instrument("sync_snapshot", http.HandlerFunc(n.Snapshot)))

	mux.Handle("GET /admin/permissions/groups", telemetry.Instrument("get", http.HandlerFunc(n.ListGroups)))
	mux.Handle("PUT /admin/permissions/groups", telemetry.Instrument("put", http.HandlerFunc(n.ReplaceGroups)))
	mux.Handle("PUT /admin/permissions/groups/{name}", telemetry.Instrument("put", http.HandlerFunc(n.PutGroup)))
	mux.Handle("DELETE /admin/permissions/groups/{name}", telemetry.Instrument("delete", http.HandlerFunc(n.DeleteGroup)))
	mux.Handle("GET /admin/permissions/users", telemetry.Instrument("get", http.HandlerFunc(n.ListUsers)))
	mux.Handle("PUT /admin/permissions/users/{id}", telemetry.Instrument("put", http.HandlerFunc(n.PutUser)))
	mux.Handle("DELETE /admin/permissions/users/{id}", telemetry.Instrument("delete", http.HandlerFunc(n.DeleteUser)))
	mux.Handle("GET /admin/syncproxy/config", telemetry.Instrument("get", http.HandlerFunc(n.GetProxyConfig)))
	mux.Handle("PUT /admin/syncproxy/config", telemetry.Instrument("put", http.HandlerFunc(n.PutProxyConfig)))
	return mux
}

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload describing this node and its sync keys.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		ID      string            `json:"id"`
		Addr    string            `json:"addr"`
		PID     int               `json:"pid"`
		Now     time.Time         `json:"now"`
		Keys    []datasync.Key    `json:"keys"`
		Domains []string          `json:"domains"`
		Peers   map[string]string `json:"peers"`
	}
	writeJSON(w, http.StatusOK, resp{
		ID:      n.id,
		Addr:    n.addr,
		PID:     os.Getpid(),
		Now:     time.Now(),
		Keys:    n.registry.Keys(),
		Domains: n.mux.Domains(),
		Peers:   n.ring.Nodes(),
	})
}

// Message receives one replicated message from a peer. Once the frame
// decodes the message is accepted even if the router drops it: a retry
// would be dropped again.
func (n *Node) Message(w http.ResponseWriter, req *http.Request) {
	var msg transport.Message
	if err := transport.ReadFrame(http.MaxBytesReader(w, req.Body, maxBody), &msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_ = n.Receive(req.Context(), msg)
	w.WriteHeader(http.StatusAccepted)
}

// Snapshot answers a peer's bootstrap request.
func (n *Node) Snapshot(w http.ResponseWriter, req *http.Request) {
	var sr transport.SnapshotRequest
	if err := transport.ReadFrame(http.MaxBytesReader(w, req.Body, maxBody), &sr); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := n.Serve(req.Context(), sr)
	if err := transport.WriteFrame(w, resp); err != nil {
		n.log.Warn("writing snapshot response failed", zap.String("key", sr.Key), zap.Error(err))
	}
}

func (n *Node) ListGroups(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, n.permissions.Store().Groups())
}

// ReplaceGroups swaps the whole group collection cluster-wide.
func (n *Node) ReplaceGroups(w http.ResponseWriter, req *http.Request) {
	var gs []permissions.Group
	if !readJSON(w, req, &gs) {
		return
	}
	n.respond(w, n.permissions.SetGroups(req.Context(), gs))
}

// PutGroup adds the group, or updates it when it already exists.
func (n *Node) PutGroup(w http.ResponseWriter, req *http.Request) {
	var g permissions.Group
	if !readJSON(w, req, &g) {
		return
	}
	g.Name = req.PathValue("name")
	if _, ok := n.permissions.Store().Group(g.Name); ok {
		n.respond(w, n.permissions.UpdateGroup(req.Context(), g))
		return
	}
	n.respond(w, n.permissions.AddGroup(req.Context(), g))
}

func (n *Node) DeleteGroup(w http.ResponseWriter, req *http.Request) {
	g, ok := n.permissions.Store().Group(req.PathValue("name"))
	if !ok {
		http.NotFound(w, req)
		return
	}
	n.respond(w, n.permissions.DeleteGroup(req.Context(), g))
}

func (n *Node) ListUsers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, n.permissions.Store().Users())
}

// PutUser adds the user, or updates it when it already exists.
func (n *Node) PutUser(w http.ResponseWriter, req *http.Request) {
	var u permissions.User
	if !readJSON(w, req, &u) {
		return
	}
	u.ID = req.PathValue("id")
	if _, ok := n.permissions.Store().User(u.ID); ok {
		n.respond(w, n.permissions.UpdateUser(req.Context(), u))
		return
	}
	n.respond(w, n.permissions.AddUser(req.Context(), u))
}

func (n *Node) DeleteUser(w http.ResponseWriter, req *http.Request) {
	u, ok := n.permissions.Store().User(req.PathValue("id"))
	if !ok {
		http.NotFound(w, req)
		return
	}
	n.respond(w, n.permissions.DeleteUser(req.Context(), u))
}

func (n *Node) GetProxyConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, n.proxy.Configuration())
}

func (n *Node) PutProxyConfig(w http.ResponseWriter, req *http.Request) {
	var c syncproxy.Configuration
	if !readJSON(w, req, &c) {
		return
	}
	n.respond(w, n.proxy.SetConfiguration(req.Context(), c))
}

// respond maps a management error onto a status code.
func (n *Node) respond(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, permissions.ErrInvalid),
		errors.Is(err, syncproxy.ErrNoTargetGroup),
		errors.Is(err, datasync.ErrInvalidOperation),
		errors.Is(err, datasync.ErrConfiguration):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		n.log.Error("admin mutation failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func readJSON(w http.ResponseWriter, req *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBody)).Decode(v); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// Package admin implements the HTTP administration API for the rawtcp
// daemon (SPEC_FULL.md §4.12). It replaces the teacher's ConnectRPC
// service (which fronted handlers generated from .proto files via `buf
// generate`, a toolchain unavailable here) with a small net/http JSON
// surface exposing the same connection lifecycle operations.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"github.com/quietriver/rawtcp/internal/tcp"
)

// Sentinel errors for the admin package.
var (
	// ErrMissingPeerAddr indicates a connect request omitted peer_addr.
	ErrMissingPeerAddr = errors.New("peer_addr is required")

	// ErrMissingPeerPort indicates a connect request omitted or zeroed peer_port.
	ErrMissingPeerPort = errors.New("peer_port is required")

	// ErrInvalidTupleID indicates a connection id path segment didn't parse
	// into a valid 4-tuple.
	ErrInvalidTupleID = errors.New("invalid connection id")
)

// connManager is the subset of *tcp.Manager the admin server depends on.
// Declaring it as an interface keeps this package testable without a real
// Manager.
type connManager interface {
	Connect(localAddr netip.Addr, localPort uint16, peerAddr netip.Addr, peerPort uint16) (*tcp.Conn, error)
	Close(tuple tcp.FourTuple) error
	Lookup(tuple tcp.FourTuple) (*tcp.Conn, bool)
	ListConnections() []tcp.ConnSnapshot
}

// Server is the net/http admin API server. Each RPC-equivalent handler
// delegates to the connection Manager for actual transport operations; the
// server itself is a thin adapter between HTTP/JSON and the internal
// domain, mirroring the teacher's BFDServer.
type Server struct {
	manager connManager
	logger  *slog.Logger
	mux     *http.ServeMux
}

// New creates a Server wired to mgr with its routes registered. Handler
// returns the http.Handler to serve, wrapped with middleware.
func New(mgr connManager, logger *slog.Logger) *Server {
	s := &Server{
		manager: mgr,
		logger:  logger.With(slog.String("component", "admin")),
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /v1/connections", s.handleListConnections)
	s.mux.HandleFunc("GET /v1/connections/{id}", s.handleGetConnection)
	s.mux.HandleFunc("POST /v1/connections", s.handleCreateConnection)
	s.mux.HandleFunc("POST /v1/connections/{id}/close", s.handleCloseConnection)

	return s
}

// Handler returns the Server's http.Handler, with recovery and logging
// middleware applied.
func (s *Server) Handler() http.Handler {
	return RecoveryMiddleware(s.logger)(LoggingMiddleware(s.logger)(s.mux))
}

// -------------------------------------------------------------------------
// Handlers
// -------------------------------------------------------------------------

// connectionResponse is the JSON wire shape for a tcp.ConnSnapshot.
type connectionResponse struct {
	ID         string `json:"id"`
	LocalAddr  string `json:"local_addr"`
	LocalPort  uint16 `json:"local_port"`
	PeerAddr   string `json:"peer_addr"`
	PeerPort   uint16 `json:"peer_port"`
	State      string `json:"state"`
	NextSeqNo  uint64 `json:"next_seq_no"`
	NextAck    uint64 `json:"next_ack"`
	BytesAcked uint64 `json:"bytes_acked"`
}

func snapshotToResponse(snap tcp.ConnSnapshot) connectionResponse {
	return connectionResponse{
		ID:         snap.Tuple.String(),
		LocalAddr:  snap.Tuple.LocalAddr.String(),
		LocalPort:  snap.Tuple.LocalPort,
		PeerAddr:   snap.Tuple.PeerAddr.String(),
		PeerPort:   snap.Tuple.PeerPort,
		State:      snap.State.String(),
		NextSeqNo:  snap.NextSeqNo,
		NextAck:    snap.NextAck,
		BytesAcked: snap.BytesAcked,
	}
}

// handleListConnections implements GET /v1/connections.
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	snapshots := s.manager.ListConnections()
	resp := make([]connectionResponse, 0, len(snapshots))
	for _, snap := range snapshots {
		resp = append(resp, snapshotToResponse(snap))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetConnection implements GET /v1/connections/{id}.
func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	tuple, err := parseTupleID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	conn, ok := s.manager.Lookup(tuple)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("connection %s: %w", tuple, tcp.ErrConnectionNotFound))
		return
	}

	writeJSON(w, http.StatusOK, snapshotToResponse(conn.Snapshot()))
}

// createConnectionRequest is the JSON body for POST /v1/connections.
type createConnectionRequest struct {
	PeerAddr  string `json:"peer_addr"`
	PeerPort  uint16 `json:"peer_port"`
	LocalAddr string `json:"local_addr"`
	LocalPort uint16 `json:"local_port"`
	Interface string `json:"interface"`
}

// handleCreateConnection implements POST /v1/connections.
func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req createConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request body: %w", err))
		return
	}

	if req.PeerAddr == "" {
		writeError(w, http.StatusBadRequest, ErrMissingPeerAddr)
		return
	}
	if req.PeerPort == 0 {
		writeError(w, http.StatusBadRequest, ErrMissingPeerPort)
		return
	}

	peerAddr, err := netip.ParseAddr(req.PeerAddr)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse peer_addr %q: %w", req.PeerAddr, err))
		return
	}

	var localAddr netip.Addr
	if req.LocalAddr != "" {
		localAddr, err = netip.ParseAddr(req.LocalAddr)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("parse local_addr %q: %w", req.LocalAddr, err))
			return
		}
	}

	conn, err := s.manager.Connect(localAddr, req.LocalPort, peerAddr, req.PeerPort)
	if err != nil {
		writeError(w, mapManagerStatus(err), fmt.Errorf("create connection: %w", err))
		return
	}

	writeJSON(w, http.StatusCreated, snapshotToResponse(conn.Snapshot()))
}

// handleCloseConnection implements POST /v1/connections/{id}/close.
func (s *Server) handleCloseConnection(w http.ResponseWriter, r *http.Request) {
	tuple, err := parseTupleID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.manager.Close(tuple); err != nil {
		writeError(w, mapManagerStatus(err), fmt.Errorf("close connection %s: %w", tuple, err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// parseTupleID parses a connection id formatted as
// "local:port-peer:port" (tcp.FourTuple.String()'s format) back into a
// FourTuple.
func parseTupleID(id string) (tcp.FourTuple, error) {
	localPart, peerPart, ok := strings.Cut(id, "-")
	if !ok {
		return tcp.FourTuple{}, fmt.Errorf("%q: %w", id, ErrInvalidTupleID)
	}

	local, err := netip.ParseAddrPort(localPart)
	if err != nil {
		return tcp.FourTuple{}, fmt.Errorf("%q: %w", id, ErrInvalidTupleID)
	}
	peer, err := netip.ParseAddrPort(peerPart)
	if err != nil {
		return tcp.FourTuple{}, fmt.Errorf("%q: %w", id, ErrInvalidTupleID)
	}

	return tcp.FourTuple{
		LocalAddr: local.Addr(),
		LocalPort: local.Port(),
		PeerAddr:  peer.Addr(),
		PeerPort:  peer.Port(),
	}, nil
}

// mapManagerStatus translates tcp.Manager sentinel errors into HTTP status
// codes.
func mapManagerStatus(err error) int {
	switch {
	case errors.Is(err, tcp.ErrDuplicateConnection):
		return http.StatusConflict
	case errors.Is(err, tcp.ErrConnectionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

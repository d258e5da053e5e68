package server

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/morango/morango/internal/certificates"
	"github.com/morango/morango/internal/filters"
	"github.com/morango/morango/internal/session"
	"github.com/morango/morango/internal/store"
)

// CapabilitiesHeader carries a peer's capability set on every request and
// response.
const CapabilitiesHeader = "X-Morango-Capabilities"

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

type apiError struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Error: msg})
}

// capabilityMiddleware advertises this server's capabilities on every
// response.
func (s *Server) capabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(CapabilitiesHeader, strings.Join(session.LocalCapabilities(), " "))
		next.ServeHTTP(w, r)
	})
}

// requestCapabilities returns the intersection of the peer's advertised
// capabilities with ours.
func requestCapabilities(r *http.Request) []string {
	header := r.Header.Get(CapabilitiesHeader)
	if header == "" {
		return nil
	}
	return session.IntersectCapabilities(session.LocalCapabilities(), strings.Fields(header))
}

type instanceInfo struct {
	InstanceID   string   `json:"instance_id"`
	DatabaseID   string   `json:"database_id"`
	Platform     string   `json:"platform"`
	Hostname     string   `json:"hostname"`
	NodeID       string   `json:"node_id"`
	Counter      int64    `json:"counter"`
	Version      string   `json:"morango_version"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleMorangoInfo(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ident.Current(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	info := instanceInfo{
		InstanceID:   snap.ID,
		DatabaseID:   snap.DatabaseID,
		Platform:     snap.Platform,
		Hostname:     snap.Hostname,
		NodeID:       snap.NodeID,
		Counter:      snap.Counter,
		Version:      Version,
		Capabilities: session.LocalCapabilities(),
	}
	if s.InfoFields == nil {
		writeJSON(w, http.StatusOK, info)
		return
	}

	// Fold the embedding application's extra fields into the response.
	data, err := json.Marshal(info)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	merged := map[string]any{}
	if err := json.Unmarshal(data, &merged); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for k, v := range s.InfoFields(r.Context()) {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	writeJSON(w, http.StatusOK, merged)
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	keys, err := s.certs.SharedKey(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, []map[string]string{
		{"public_key": keys.PublicKeyString()},
	})
}

func (s *Server) handleCreateNonce(w http.ResponseWriter, r *http.Request) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	nonce, err := s.certs.MintNonce(r.Context(), ip)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, nonce)
}

// certificateWire is a certificate as it crosses the API.
type certificateWire struct {
	ID         string `json:"id"`
	ParentID   string `json:"parent_id,omitempty"`
	Profile    string `json:"profile"`
	Serialized string `json:"serialized"`
	Signature  string `json:"signature"`
}

func toWire(cert *certificates.Certificate) certificateWire {
	return certificateWire{
		ID:         cert.ID,
		ParentID:   cert.ParentID,
		Profile:    cert.Profile,
		Serialized: cert.Serialized,
		Signature:  cert.Signature,
	}
}

func (s *Server) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var certs []*certificates.Certificate
	var err error
	switch {
	case q.Get("ancestors_of") != "":
		certs, err = s.certs.Ancestors(ctx, q.Get("ancestors_of"))
	case q.Get("primary_partition") != "":
		certs, err = s.certs.OwnedByPrimaryPartition(ctx, q.Get("primary_partition"), q.Get("profile"))
	default:
		certs, err = s.certs.List(ctx, q.Get("profile"))
	}
	if err != nil {
		if errors.Is(err, certificates.ErrCertificateNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]certificateWire, 0, len(certs))
	for _, cert := range certs {
		out = append(out, toWire(cert))
	}
	writeJSON(w, http.StatusOK, out)
}

type csrRequest struct {
	Parent          string            `json:"parent"`
	Profile         string            `json:"profile"`
	ScopeDefinition string            `json:"scope_definition"`
	ScopeVersion    int               `json:"scope_version"`
	ScopeParams     map[string]string `json:"scope_params"`
	PublicKey       string            `json:"public_key"`
}

// handleCertificateSigningRequest signs a child certificate over a key pair
// the client holds, gated by basic-auth through CSRAuth.
func (s *Server) handleCertificateSigningRequest(w http.ResponseWriter, r *http.Request) {
	username, password, ok := r.BasicAuth()
	if !ok || s.CSRAuth == nil || !s.CSRAuth(r, username, password) {
		w.Header().Set("WWW-Authenticate", `Basic realm="morango"`)
		writeError(w, http.StatusUnauthorized, "certificate signing requires authorization")
		return
	}

	var req csrRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signing request body")
		return
	}

	ctx := r.Context()
	parent, err := s.certs.Get(ctx, req.Parent)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown parent certificate")
		return
	}
	if parent.PrivateKeyPEM == "" {
		writeError(w, http.StatusBadRequest, "this server does not own the parent certificate")
		return
	}
	if req.Profile != parent.Profile {
		writeError(w, http.StatusBadRequest, "profile does not match parent certificate")
		return
	}

	def, err := s.certs.ScopeDefinition(req.ScopeDefinition)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown scope definition")
		return
	}

	child, err := certificates.NewChildForKey(parent, def, req.ScopeParams, req.PublicKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := parent.SignChild(child); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Check rejects scopes that escape the parent before anything persists.
	if err := child.Check(parent, s.certs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.certs.Save(ctx, child); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, toWire(child))
}

// handlePushCertificateChain accepts a client-provided certificate chain so a
// later sync session can reference its leaf.
func (s *Server) handlePushCertificateChain(w http.ResponseWriter, r *http.Request) {
	if !session.HasCapability(requestCapabilities(r), session.CapabilityCertificatePushing) {
		writeError(w, http.StatusForbidden, "peer did not negotiate certificate pushing")
		return
	}

	var wires []certificateWire
	if err := json.NewDecoder(r.Body).Decode(&wires); err != nil {
		writeError(w, http.StatusBadRequest, "invalid certificate chain body")
		return
	}
	if len(wires) == 0 {
		writeError(w, http.StatusBadRequest, "empty certificate chain")
		return
	}

	chain := make([]*certificates.Certificate, 0, len(wires))
	for _, wc := range wires {
		cert, err := certificates.Deserialize(wc.Serialized, wc.Signature)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		chain = append(chain, cert)
	}

	leaf, err := s.certs.SaveChain(r.Context(), chain, chain[len(chain)-1].ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toWire(leaf))
}

type createSyncSessionRequest struct {
	ID                  string            `json:"id"`
	ServerCertificateID string            `json:"server_certificate_id"`
	ClientCertificateID string            `json:"client_certificate_id"`
	Profile             string            `json:"profile"`
	ConnectionPath      string            `json:"connection_path"`
	Instance            map[string]string `json:"instance"`
	NonceID             string            `json:"nonce_id"`
	Signature           string            `json:"signature"`
}

type syncSessionResponse struct {
	ID             string `json:"id"`
	Active         bool   `json:"active"`
	ServerInstance string `json:"server_instance"`
}

func (s *Server) handleCreateSyncSession(w http.ResponseWriter, r *http.Request) {
	var req createSyncSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid sync session body")
		return
	}
	ctx := r.Context()

	clientCert, err := s.certs.Get(ctx, req.ClientCertificateID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown client certificate")
		return
	}
	if _, err := s.certs.Get(ctx, req.ServerCertificateID); err != nil {
		writeError(w, http.StatusBadRequest, "unknown server certificate")
		return
	}

	// The nonce burns whether or not the signature checks out.
	if err := s.certs.UseNonce(ctx, req.NonceID); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	keys, err := clientCert.KeyPair()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !keys.Verify(certificates.HandshakeMessage(req.NonceID, req.ID), req.Signature) {
		writeError(w, http.StatusForbidden, "handshake signature verification failed")
		return
	}

	snap, err := s.ident.Current(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	serverInstance := session.InstanceJSON(map[string]string{
		"instance_id": snap.ID,
		"database_id": snap.DatabaseID,
		"platform":    snap.Platform,
		"hostname":    snap.Hostname,
		"version":     Version,
	})

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	ss := &session.SyncSession{
		ID:                  req.ID,
		IsServer:            true,
		ClientCertificateID: req.ClientCertificateID,
		ServerCertificateID: req.ServerCertificateID,
		Profile:             req.Profile,
		ConnectionKind:      "network",
		ConnectionPath:      req.ConnectionPath,
		ClientIP:            ip,
		ClientInstance:      session.InstanceJSON(req.Instance),
		ServerInstance:      serverInstance,
	}
	if err := s.sessions.CreateSyncSession(ctx, ss); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	initMetrics()
	syncSessionsTotal.Inc()
	writeJSON(w, http.StatusCreated, syncSessionResponse{
		ID:             ss.ID,
		Active:         true,
		ServerInstance: serverInstance,
	})
}

func (s *Server) handleGetSyncSession(w http.ResponseWriter, r *http.Request) {
	ss, err := s.sessions.GetSyncSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, syncSessionResponse{
		ID:             ss.ID,
		Active:         ss.Active,
		ServerInstance: ss.ServerInstance,
	})
}

func (s *Server) handleCloseSyncSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.CloseSyncSession(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createTransferSessionRequest struct {
	ID            string `json:"id"`
	SyncSessionID string `json:"sync_session_id"`
	Filter        string `json:"filter"`
	Push          bool   `json:"push"`
	ClientFSIC    string `json:"client_fsic"`
}

type transferSessionResponse struct {
	ID                 string `json:"id"`
	RecordsTotal       int64  `json:"records_total"`
	RecordsTransferred int64  `json:"records_transferred"`
	ServerFSIC         string `json:"server_fsic"`
	Stage              string `json:"transfer_stage"`
	StageStatus        string `json:"transfer_stage_status"`
	TransferError      string `json:"transfer_error,omitempty"`
}

func transferResponse(ts *session.TransferSession) transferSessionResponse {
	return transferSessionResponse{
		ID:                 ts.ID,
		RecordsTotal:       ts.RecordsTotal,
		RecordsTransferred: ts.RecordsTransferred,
		ServerFSIC:         ts.ServerFSIC,
		Stage:              string(ts.Stage),
		StageStatus:        string(ts.StageStatus),
		TransferError:      ts.TransferError,
	}
}

// authorizeTransfer checks the transfer filter against the client
// certificate's scope: pushes need write coverage, pulls need read coverage.
func (s *Server) authorizeTransfer(ctx context.Context, ss *session.SyncSession, filt filters.Filter, push bool) error {
	cert, err := s.certs.Get(ctx, ss.ClientCertificateID)
	if err != nil {
		return err
	}
	def, err := s.certs.ScopeDefinition(cert.ScopeDefinitionID)
	if err != nil {
		return err
	}
	scope, err := cert.Scope(def)
	if err != nil {
		return err
	}

	allowed := scope.Read
	if push {
		allowed = scope.Write
	}
	if !filt.IsSubsetOf(allowed) {
		return certificates.ErrCertificateScopeNotSubset
	}
	return nil
}

// readinessTarget is how far the server drives a new transfer before
// responding: a pull must be queued, a push only needs this side's FSIC.
func readinessTarget(push bool) session.Stage {
	if push {
		return session.StageInitializing
	}
	return session.StageQueuing
}

func (s *Server) handleCreateTransferSession(w http.ResponseWriter, r *http.Request) {
	var req createTransferSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid transfer session body")
		return
	}
	ctx := r.Context()

	ss, err := s.sessions.GetSyncSession(ctx, req.SyncSessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if !ss.Active {
		writeError(w, http.StatusConflict, "sync session is closed")
		return
	}

	filt := filters.New(req.Filter)
	if err := s.authorizeTransfer(ctx, ss, filt, req.Push); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	caps := requestCapabilities(r)
	sc, err := s.env.StartTransfer(ctx, ss, &session.TransferSession{
		ID:         req.ID,
		Push:       req.Push,
		Filter:     filt,
		ClientFSIC: req.ClientFSIC,
	}, true, caps)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	target := readinessTarget(req.Push)
	if session.HasCapability(caps, session.CapabilityAsyncOperations) {
		snapshot := *sc.Transfer
		go s.driveInBackground(sc, target)
		writeJSON(w, http.StatusCreated, transferResponse(&snapshot))
		return
	}

	if _, err := s.controller.ProceedTo(ctx, sc, target); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, transferResponse(sc.Transfer))
}

// driveInBackground advances an async transfer outside the request cycle;
// clients poll for the outcome.
func (s *Server) driveInBackground(sc *session.Context, target session.Stage) {
	if err := s.controller.ProceedToAndWait(context.Background(), sc, target); err != nil {
		s.log.WithError(err).WithField("transfer_session_id", sc.Transfer.ID).
			Warn("Background transfer stage failed")
	}
}

// contextFor rebuilds the server-side session context for a stored transfer.
func (s *Server) contextFor(ctx context.Context, ts *session.TransferSession, caps []string) (*session.Context, error) {
	ss, err := s.sessions.GetSyncSession(ctx, ts.SyncSessionID)
	if err != nil {
		return nil, err
	}
	return &session.Context{
		SyncSession:  ss,
		Transfer:     ts,
		IsPush:       ts.Push,
		IsServer:     true,
		Capabilities: caps,
	}, nil
}

func (s *Server) handleGetTransferSession(w http.ResponseWriter, r *http.Request) {
	ts, err := s.sessions.GetTransferSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, transferResponse(ts))
}

type updateTransferSessionRequest struct {
	RecordsTransferred *int64 `json:"records_transferred"`
	ClientFSIC         string `json:"client_fsic"`
}

func (s *Server) handleUpdateTransferSession(w http.ResponseWriter, r *http.Request) {
	var req updateTransferSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid transfer session body")
		return
	}
	ctx := r.Context()

	ts, err := s.sessions.GetTransferSession(ctx, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if req.RecordsTransferred != nil {
		ts.RecordsTransferred = *req.RecordsTransferred
	}
	if req.ClientFSIC != "" {
		ts.ClientFSIC = req.ClientFSIC
	}
	if err := s.sessions.SaveTransferSession(ctx, ts); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, transferResponse(ts))
}

// handleCloseTransferSession finalizes a transfer: on a push the server
// dequeues and deserializes what it received; either way the session is
// cleaned up. Async peers get the current state back and poll.
func (s *Server) handleCloseTransferSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ts, err := s.sessions.GetTransferSession(ctx, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	caps := requestCapabilities(r)
	sc, err := s.contextFor(ctx, ts, caps)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if session.HasCapability(caps, session.CapabilityAsyncOperations) {
		snapshot := *sc.Transfer
		go s.driveInBackground(sc, session.StageCleanup)
		writeJSON(w, http.StatusOK, transferResponse(&snapshot))
		return
	}

	if err := s.controller.ProceedToAndWait(ctx, sc, session.StageCleanup); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, transferResponse(sc.Transfer))
}

// handlePostBuffers receives one chunk of a push.
func (s *Server) handlePostBuffers(w http.ResponseWriter, r *http.Request) {
	body := io.Reader(r.Body)
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid gzip body")
			return
		}
		defer gz.Close()
		body = gz
	}

	data, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var buffers []store.WireBuffer
	if err := json.Unmarshal(data, &buffers); err != nil {
		writeError(w, http.StatusBadRequest, "invalid buffer payload")
		return
	}
	if len(buffers) == 0 {
		w.WriteHeader(http.StatusCreated)
		return
	}

	ctx := r.Context()
	ts, err := s.sessions.GetTransferSession(ctx, buffers[0].TransferSession)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if !ts.Active || !ts.Push {
		writeError(w, http.StatusConflict, "transfer session cannot receive buffers")
		return
	}

	if err := s.records.InsertWireBuffers(ctx, buffers, ts.Filter); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ts.RecordsTransferred += int64(len(buffers))
	if err := s.sessions.SaveTransferSession(ctx, ts); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.sessions.AddBytes(ctx, ts.ID, 0, int64(len(data))); err != nil {
		s.log.WithError(err).Warn("Failed to record received bytes")
	}

	initMetrics()
	recordsBuffered.WithLabelValues("received").Add(float64(len(buffers)))
	bufferBytesTotal.WithLabelValues("received").Add(float64(len(data)))
	w.WriteHeader(http.StatusCreated)
}

type bufferPage struct {
	Count   int64              `json:"count"`
	Results []store.WireBuffer `json:"results"`
}

// handleGetBuffers serves one chunk of a pull.
func (s *Server) handleGetBuffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tsid := q.Get("transfer_session_id")
	if tsid == "" {
		writeError(w, http.StatusBadRequest, "transfer_session_id is required")
		return
	}
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = s.config.Sync.ChunkSize
	}
	offset, _ := strconv.Atoi(q.Get("offset"))

	ctx := r.Context()
	ts, err := s.sessions.GetTransferSession(ctx, tsid)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if ts.Push {
		writeError(w, http.StatusConflict, "push sessions do not serve buffers")
		return
	}

	count, err := s.records.CountBuffers(ctx, tsid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	results, err := s.records.BufferPage(ctx, tsid, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []store.WireBuffer{}
	}

	data, err := json.Marshal(bufferPage{Count: count, Results: results})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.sessions.AddBytes(ctx, tsid, int64(len(data)), 0); err != nil {
		s.log.WithError(err).Warn("Failed to record sent bytes")
	}

	initMetrics()
	recordsBuffered.WithLabelValues("sent").Add(float64(len(results)))
	bufferBytesTotal.WithLabelValues("sent").Add(float64(len(data)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

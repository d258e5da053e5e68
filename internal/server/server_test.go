package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/morango/morango/internal/certificates"
	"github.com/morango/morango/internal/config"
	"github.com/morango/morango/internal/crypto"
	"github.com/morango/morango/internal/session"
	"github.com/morango/morango/internal/store"
)

type serverHarness struct {
	t    *testing.T
	srv  *Server
	http *httptest.Server
}

func setupTestServer(t *testing.T) *serverHarness {
	t.Helper()
	cfg := &config.Config{
		DataDir:  t.TempDir(),
		Database: config.DatabaseConfig{Driver: "sqlite"},
		Sync: config.SyncConfig{
			ChunkSize:              500,
			MaxRetries:             3,
			CleanupExpirationHours: 6,
		},
	}

	db, err := sql.Open("sqlite", cfg.DSN())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv, err := New(cfg, db)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &serverHarness{t: t, srv: srv, http: ts}
}

func (h *serverHarness) do(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&payload).Encode(body))
	}
	req, err := http.NewRequest(method, h.http.URL+APIPrefix+path, &payload)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func setupRootCert(t *testing.T, h *serverHarness) *certificates.Certificate {
	t.Helper()
	ctx := context.Background()

	def := &certificates.ScopeDefinition{
		ID:                   "full-facility",
		Profile:              "testprofile",
		Version:              1,
		PrimaryScopeParamKey: "mainpartition",
		ReadFilterTemplate:   "${mainpartition}",
		WriteFilterTemplate:  "${mainpartition}",
	}
	require.NoError(t, h.srv.Certificates().SaveScopeDefinition(ctx, def))

	root, err := certificates.GenerateRoot(def, nil)
	require.NoError(t, err)
	require.NoError(t, h.srv.Certificates().Save(ctx, root))
	return root
}

func TestMorangoInfoEndpoint(t *testing.T) {
	h := setupTestServer(t)

	resp := h.do(http.MethodGet, "/morangoinfo/1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(CapabilitiesHeader))

	var info instanceInfo
	decodeBody(t, resp, &info)
	assert.Len(t, info.InstanceID, 32)
	assert.Equal(t, Version, info.Version)
	assert.Contains(t, info.Capabilities, session.CapabilityCertificatePushing)
}

func TestMorangoInfoCustomFields(t *testing.T) {
	h := setupTestServer(t)
	h.srv.InfoFields = func(ctx context.Context) map[string]any {
		return map[string]any{
			"device_name": "classroom-1",
			"instance_id": "spoofed",
		}
	}

	resp := h.do(http.MethodGet, "/morangoinfo/1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info map[string]any
	decodeBody(t, resp, &info)
	assert.Equal(t, "classroom-1", info["device_name"])
	// Server-owned fields are not overridable by the hook.
	assert.NotEqual(t, "spoofed", info["instance_id"])
	assert.Equal(t, Version, info["morango_version"])
}

func TestPublicKeyEndpoint(t *testing.T) {
	h := setupTestServer(t)

	resp := h.do(http.MethodGet, "/publickey/", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var keys []map[string]string
	decodeBody(t, resp, &keys)
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0]["public_key"], "BEGIN PUBLIC KEY")
}

func mintNonce(t *testing.T, h *serverHarness) *certificates.Nonce {
	t.Helper()
	resp := h.do(http.MethodPost, "/nonces/", nil, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var nonce certificates.Nonce
	decodeBody(t, resp, &nonce)
	require.NotEmpty(t, nonce.ID)
	return &nonce
}

func openSyncSession(t *testing.T, h *serverHarness, cert *certificates.Certificate) string {
	t.Helper()
	nonce := mintNonce(t, h)
	sessionID := crypto.RandomID()

	keys, err := cert.KeyPair()
	require.NoError(t, err)
	signature, err := keys.Sign(certificates.HandshakeMessage(nonce.ID, sessionID))
	require.NoError(t, err)

	resp := h.do(http.MethodPost, "/syncsessions/", map[string]any{
		"id":                    sessionID,
		"server_certificate_id": cert.ID,
		"client_certificate_id": cert.ID,
		"profile":               "testprofile",
		"instance":              map[string]string{"hostname": "clientbox"},
		"nonce_id":              nonce.ID,
		"signature":             signature,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created syncSessionResponse
	decodeBody(t, resp, &created)
	require.True(t, created.Active)
	require.NotEmpty(t, created.ServerInstance)
	return sessionID
}

func TestSyncSessionHandshake(t *testing.T) {
	h := setupTestServer(t)
	root := setupRootCert(t, h)

	sessionID := openSyncSession(t, h, root)

	resp := h.do(http.MethodGet, "/syncsessions/"+sessionID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(http.MethodDelete, "/syncsessions/"+sessionID, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var closed syncSessionResponse
	resp = h.do(http.MethodGet, "/syncsessions/"+sessionID, nil, nil)
	decodeBody(t, resp, &closed)
	assert.False(t, closed.Active)
}

func TestSyncSessionRejectsBadSignature(t *testing.T) {
	h := setupTestServer(t)
	root := setupRootCert(t, h)
	nonce := mintNonce(t, h)

	resp := h.do(http.MethodPost, "/syncsessions/", map[string]any{
		"id":                    crypto.RandomID(),
		"server_certificate_id": root.ID,
		"client_certificate_id": root.ID,
		"profile":               "testprofile",
		"nonce_id":              nonce.ID,
		"signature":             "bm90IGEgc2lnbmF0dXJl",
	}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSyncSessionNonceIsSingleUse(t *testing.T) {
	h := setupTestServer(t)
	root := setupRootCert(t, h)
	nonce := mintNonce(t, h)
	keys, err := root.KeyPair()
	require.NoError(t, err)

	body := func() map[string]any {
		id := crypto.RandomID()
		sig, err := keys.Sign(certificates.HandshakeMessage(nonce.ID, id))
		require.NoError(t, err)
		return map[string]any{
			"id":                    id,
			"server_certificate_id": root.ID,
			"client_certificate_id": root.ID,
			"profile":               "testprofile",
			"nonce_id":              nonce.ID,
			"signature":             sig,
		}
	}

	resp := h.do(http.MethodPost, "/syncsessions/", body(), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = h.do(http.MethodPost, "/syncsessions/", body(), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCertificateSigningRequest(t *testing.T) {
	h := setupTestServer(t)
	root := setupRootCert(t, h)
	ctx := context.Background()

	sub := &certificates.ScopeDefinition{
		ID:                   "single-user",
		Profile:              "testprofile",
		Version:              1,
		PrimaryScopeParamKey: "mainpartition",
		ReadFilterTemplate:   "${mainpartition}",
		WriteFilterTemplate:  "${mainpartition}:${user}",
	}
	require.NoError(t, h.srv.Certificates().SaveScopeDefinition(ctx, sub))

	h.srv.CSRAuth = func(r *http.Request, username, password string) bool {
		return username == "admin" && password == "secret"
	}

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	body := map[string]any{
		"parent":           root.ID,
		"profile":          "testprofile",
		"scope_definition": sub.ID,
		"scope_params":     map[string]string{"mainpartition": root.ID, "user": "alice"},
		"public_key":       keys.PublicKeyString(),
	}

	resp := h.do(http.MethodPost, "/certificates/", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	auth := map[string]string{"Authorization": basicAuth("admin", "secret")}
	resp = h.do(http.MethodPost, "/certificates/", body, auth)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var wire certificateWire
	decodeBody(t, resp, &wire)
	signed, err := certificates.Deserialize(wire.Serialized, wire.Signature)
	require.NoError(t, err)
	assert.Equal(t, root.ID, signed.ParentID)
	assert.NoError(t, signed.Check(root, h.srv.Certificates()))
}

func TestCertificateSigningRequestRejectsScopeEscape(t *testing.T) {
	h := setupTestServer(t)
	root := setupRootCert(t, h)
	h.srv.CSRAuth = func(r *http.Request, username, password string) bool { return true }

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	resp := h.do(http.MethodPost, "/certificates/", map[string]any{
		"parent":           root.ID,
		"profile":          "testprofile",
		"scope_definition": "full-facility",
		"scope_params":     map[string]string{"mainpartition": "somewhere_else"},
		"public_key":       keys.PublicKeyString(),
	}, map[string]string{"Authorization": basicAuth("x", "y")})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func basicAuth(username, password string) string {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth(username, password)
	return req.Header.Get("Authorization")
}

func capabilityHeader() map[string]string {
	return map[string]string{CapabilitiesHeader: session.CapabilityCertificatePushing}
}

func TestPushCertificateChain(t *testing.T) {
	h := setupTestServer(t)
	setupRootCert(t, h)
	ctx := context.Background()

	// A chain minted by a remote peer against the same scope definition.
	def, err := h.srv.Certificates().ScopeDefinition("full-facility")
	require.NoError(t, err)
	remoteRoot, err := certificates.GenerateRoot(def, nil)
	require.NoError(t, err)
	child, err := certificates.NewChild(remoteRoot, def, map[string]string{"mainpartition": remoteRoot.ID})
	require.NoError(t, err)
	require.NoError(t, remoteRoot.SignChild(child))

	wires := []certificateWire{
		{Serialized: remoteRoot.Serialized, Signature: remoteRoot.Signature},
		{Serialized: child.Serialized, Signature: child.Signature},
	}

	resp := h.do(http.MethodPost, "/certificatechain/", wires, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.do(http.MethodPost, "/certificatechain/", wires, capabilityHeader())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	saved, err := h.srv.Certificates().Get(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, remoteRoot.ID, saved.ParentID)
}

func TestCertificateListing(t *testing.T) {
	h := setupTestServer(t)
	root := setupRootCert(t, h)

	var listed []certificateWire
	resp := h.do(http.MethodGet, "/certificates/?profile=testprofile", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, root.ID, listed[0].ID)

	resp = h.do(http.MethodGet, "/certificates/?ancestors_of="+root.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, root.ID, listed[0].ID)
}

func TestCreateTransferSessionAuthorizesScope(t *testing.T) {
	h := setupTestServer(t)
	root := setupRootCert(t, h)
	sessionID := openSyncSession(t, h, root)

	resp := h.do(http.MethodPost, "/transfersessions/", map[string]any{
		"id":              crypto.RandomID(),
		"sync_session_id": sessionID,
		"filter":          "partition_outside_scope",
		"push":            true,
	}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.do(http.MethodPost, "/transfersessions/", map[string]any{
		"id":              crypto.RandomID(),
		"sync_session_id": sessionID,
		"filter":          root.ID,
		"push":            true,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var ts transferSessionResponse
	decodeBody(t, resp, &ts)
	assert.Equal(t, string(session.StageInitializing), ts.Stage)
	assert.Equal(t, string(session.StatusCompleted), ts.StageStatus)
	assert.NotEmpty(t, ts.ServerFSIC)
}

func TestPushBufferRoundTrip(t *testing.T) {
	h := setupTestServer(t)
	root := setupRootCert(t, h)
	sessionID := openSyncSession(t, h, root)
	ctx := context.Background()

	transferID := crypto.RandomID()
	resp := h.do(http.MethodPost, "/transfersessions/", map[string]any{
		"id":              transferID,
		"sync_session_id": sessionID,
		"filter":          root.ID,
		"push":            true,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	instance := crypto.RandomID()
	modelUUID := crypto.ContentID(root.ID, "alice", "user")
	buffers := []store.WireBuffer{{
		Profile:           "testprofile",
		Serialized:        `{"username":"alice"}`,
		LastSavedInstance: instance,
		LastSavedCounter:  1,
		Partition:         root.ID,
		SourceID:          "alice",
		ModelName:         "user",
		ModelUUID:         modelUUID,
		TransferSession:   transferID,
		RMCBList: []store.WireRMCB{{
			InstanceID:      instance,
			Counter:         1,
			TransferSession: transferID,
			ModelUUID:       modelUUID,
		}},
	}}

	resp = h.do(http.MethodPost, "/buffers/", buffers, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var ts transferSessionResponse
	resp = h.do(http.MethodGet, "/transfersessions/"+transferID, nil, nil)
	decodeBody(t, resp, &ts)
	assert.Equal(t, int64(1), ts.RecordsTransferred)

	// Finalizing the push dequeues the buffers into the store.
	resp = h.do(http.MethodDelete, "/transfersessions/"+transferID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &ts)
	assert.Equal(t, string(session.StageCleanup), ts.Stage)
	assert.Equal(t, string(session.StatusCompleted), ts.StageStatus)
	assert.Empty(t, ts.TransferError)

	rec, err := h.srv.Env().Records.GetRecord(ctx, modelUUID)
	require.NoError(t, err)
	assert.Equal(t, `{"username":"alice"}`, rec.Serialized)

	count, err := h.srv.Env().Records.CountBuffers(ctx, transferID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBuffersRejectOutsideFilter(t *testing.T) {
	h := setupTestServer(t)
	root := setupRootCert(t, h)
	sessionID := openSyncSession(t, h, root)

	transferID := crypto.RandomID()
	resp := h.do(http.MethodPost, "/transfersessions/", map[string]any{
		"id":              transferID,
		"sync_session_id": sessionID,
		"filter":          root.ID,
		"push":            true,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = h.do(http.MethodPost, "/buffers/", []store.WireBuffer{{
		Profile:           "testprofile",
		Serialized:        `{}`,
		LastSavedInstance: crypto.RandomID(),
		LastSavedCounter:  1,
		Partition:         "partition_outside_scope",
		SourceID:          "x",
		ModelName:         "user",
		ModelUUID:         crypto.RandomID(),
		TransferSession:   transferID,
	}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPullBufferPages(t *testing.T) {
	h := setupTestServer(t)
	root := setupRootCert(t, h)
	sessionID := openSyncSession(t, h, root)
	ctx := context.Background()

	// Seed records for the server to serve.
	for i := 0; i < 3; i++ {
		snap, err := h.srv.env.Identity.CurrentAndIncrement(ctx)
		require.NoError(t, err)
		sourceID := fmt.Sprintf("user%d", i)
		rec := &store.Record{
			ID:                crypto.ContentID(root.ID, sourceID, "user"),
			Profile:           "testprofile",
			Serialized:        fmt.Sprintf(`{"username":%q}`, sourceID),
			LastSavedInstance: snap.ID,
			LastSavedCounter:  snap.Counter,
			Partition:         root.ID,
			SourceID:          sourceID,
			ModelName:         "user",
		}
		require.NoError(t, h.srv.Env().Records.SaveRecord(ctx, rec))
		require.NoError(t, h.srv.Env().Records.UpsertRMC(ctx, rec.ID, snap.ID, snap.Counter))
		require.NoError(t, h.srv.Env().Records.UpdateDMC(ctx, snap.ID, root.ID, snap.Counter))
	}

	transferID := crypto.RandomID()
	resp := h.do(http.MethodPost, "/transfersessions/", map[string]any{
		"id":              transferID,
		"sync_session_id": sessionID,
		"filter":          root.ID,
		"push":            false,
		"client_fsic":     "{}",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var ts transferSessionResponse
	decodeBody(t, resp, &ts)
	assert.Equal(t, string(session.StageQueuing), ts.Stage)
	assert.Equal(t, int64(3), ts.RecordsTotal)

	var page bufferPage
	resp = h.do(http.MethodGet, "/buffers/?transfer_session_id="+transferID+"&limit=2&offset=0", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &page)
	assert.Equal(t, int64(3), page.Count)
	assert.Len(t, page.Results, 2)

	resp = h.do(http.MethodGet, "/buffers/?transfer_session_id="+transferID+"&limit=2&offset=2", nil, nil)
	decodeBody(t, resp, &page)
	assert.Len(t, page.Results, 1)
	for _, wb := range page.Results {
		assert.NotEmpty(t, wb.RMCBList)
	}
}

func TestUpdateTransferSession(t *testing.T) {
	h := setupTestServer(t)
	root := setupRootCert(t, h)
	sessionID := openSyncSession(t, h, root)

	transferID := crypto.RandomID()
	resp := h.do(http.MethodPost, "/transfersessions/", map[string]any{
		"id":              transferID,
		"sync_session_id": sessionID,
		"filter":          root.ID,
		"push":            true,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = h.do(http.MethodPatch, "/transfersessions/"+transferID, map[string]any{
		"records_transferred": 42,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ts transferSessionResponse
	decodeBody(t, resp, &ts)
	assert.Equal(t, int64(42), ts.RecordsTransferred)
}

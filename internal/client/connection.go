// Package client implements the peer side of the replication protocol: the
// HTTP connection to a remote server, the certificate and nonce handshake,
// and the push/pull transfer loops that ferry buffered records.
package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/morango/morango/internal/certificates"
	"github.com/morango/morango/internal/session"
	"github.com/morango/morango/internal/store"
)

// APIPrefix mirrors the server's route prefix.
const APIPrefix = "/api/morango/v1"

// CapabilitiesHeader carries capability sets between peers.
const CapabilitiesHeader = "X-Morango-Capabilities"

// Options configure a connection to a remote replication server.
type Options struct {
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
	// ChunkSize is the number of buffers moved per request.
	ChunkSize int
	// MaxRetries bounds retry attempts on transient request failures.
	MaxRetries int
	// GzipBufferPost compresses pushed buffer payloads when the server
	// supports it.
	GzipBufferPost bool
}

// NetworkSyncConnection is an authenticated-by-certificate HTTP connection
// to one remote replication server.
type NetworkSyncConnection struct {
	baseURL    string
	httpClient *http.Client
	opts       Options

	// capabilities is the negotiated intersection, set by FetchInfo.
	capabilities []string

	log *logrus.Entry
}

// NewConnection creates a connection to the server at baseURL.
func NewConnection(baseURL string, opts Options) *NetworkSyncConnection {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 500
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 7
	}
	return &NetworkSyncConnection{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: opts.HTTPClient,
		opts:       opts,
		log:        logrus.WithField("component", "client"),
	}
}

// Capabilities returns the negotiated capability set.
func (c *NetworkSyncConnection) Capabilities() []string {
	return c.capabilities
}

// apiError mirrors the server's error envelope.
type apiError struct {
	Error string `json:"error"`
}

// RequestError is a non-2xx response from the remote server.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// transient reports whether a retry could plausibly succeed.
func (e *RequestError) transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type requestSpec struct {
	method  string
	path    string
	body    []byte
	gzipped bool
	headers map[string]string
}

func (c *NetworkSyncConnection) doOnce(ctx context.Context, spec requestSpec, out any) error {
	req, err := http.NewRequestWithContext(ctx, spec.method, c.baseURL+APIPrefix+spec.path,
		bytes.NewReader(spec.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(CapabilitiesHeader, strings.Join(session.LocalCapabilities(), " "))
	if spec.gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range spec.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if theirs := resp.Header.Get(CapabilitiesHeader); theirs != "" {
		c.capabilities = session.IntersectCapabilities(session.LocalCapabilities(), strings.Fields(theirs))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope apiError
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &envelope) != nil || envelope.Error == "" {
			envelope.Error = strings.TrimSpace(string(data))
		}
		return &RequestError{StatusCode: resp.StatusCode, Message: envelope.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// do issues a request, retrying transient failures with exponential backoff.
func (c *NetworkSyncConnection) do(ctx context.Context, spec requestSpec, out any) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.opts.MaxRetries)), ctx)
	return backoff.Retry(func() error {
		err := c.doOnce(ctx, spec, out)
		var reqErr *RequestError
		if errors.As(err, &reqErr) && !reqErr.transient() {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (c *NetworkSyncConnection) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, requestSpec{method: http.MethodPost, path: path, body: data}, out)
}

func (c *NetworkSyncConnection) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, requestSpec{method: http.MethodGet, path: path}, out)
}

// InstanceInfo is the remote server's identity and capability advertisement.
type InstanceInfo struct {
	InstanceID   string   `json:"instance_id"`
	DatabaseID   string   `json:"database_id"`
	Platform     string   `json:"platform"`
	Hostname     string   `json:"hostname"`
	NodeID       string   `json:"node_id"`
	Counter      int64    `json:"counter"`
	Version      string   `json:"morango_version"`
	Capabilities []string `json:"capabilities"`
}

// FetchInfo retrieves the remote instance identity and negotiates the
// capability intersection.
func (c *NetworkSyncConnection) FetchInfo(ctx context.Context) (*InstanceInfo, error) {
	var info InstanceInfo
	if err := c.getJSON(ctx, "/morangoinfo/1", &info); err != nil {
		return nil, err
	}
	c.capabilities = session.IntersectCapabilities(session.LocalCapabilities(), info.Capabilities)
	return &info, nil
}

// FetchPublicKey retrieves the server's shared public key.
func (c *NetworkSyncConnection) FetchPublicKey(ctx context.Context) (string, error) {
	var keys []map[string]string
	if err := c.getJSON(ctx, "/publickey/", &keys); err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("server returned no public keys")
	}
	return keys[0]["public_key"], nil
}

// MintNonce requests a fresh single-use nonce for the session handshake.
func (c *NetworkSyncConnection) MintNonce(ctx context.Context) (*certificates.Nonce, error) {
	var nonce certificates.Nonce
	if err := c.postJSON(ctx, "/nonces/", nil, &nonce); err != nil {
		return nil, err
	}
	return &nonce, nil
}

// CertificateWire is a certificate as it crosses the API.
type CertificateWire struct {
	ID         string `json:"id"`
	ParentID   string `json:"parent_id,omitempty"`
	Profile    string `json:"profile"`
	Serialized string `json:"serialized"`
	Signature  string `json:"signature"`
}

func decodeCertificates(wires []CertificateWire) ([]*certificates.Certificate, error) {
	out := make([]*certificates.Certificate, 0, len(wires))
	for _, w := range wires {
		cert, err := certificates.Deserialize(w.Serialized, w.Signature)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, nil
}

// FetchCertificates lists the server's certificates for a profile.
func (c *NetworkSyncConnection) FetchCertificates(ctx context.Context, profile string) ([]*certificates.Certificate, error) {
	var wires []CertificateWire
	path := "/certificates/?profile=" + url.QueryEscape(profile)
	if err := c.getJSON(ctx, path, &wires); err != nil {
		return nil, err
	}
	return decodeCertificates(wires)
}

// FetchCertificateChain retrieves a certificate and its ancestors, root
// first.
func (c *NetworkSyncConnection) FetchCertificateChain(ctx context.Context, id string) ([]*certificates.Certificate, error) {
	var wires []CertificateWire
	path := "/certificates/?ancestors_of=" + url.QueryEscape(id)
	if err := c.getJSON(ctx, path, &wires); err != nil {
		return nil, err
	}
	return decodeCertificates(wires)
}

// PushCertificateChain uploads a locally-owned certificate chain so the
// server can authorize sessions against its leaf.
func (c *NetworkSyncConnection) PushCertificateChain(ctx context.Context, chain []*certificates.Certificate) error {
	if !session.HasCapability(c.capabilities, session.CapabilityCertificatePushing) {
		return fmt.Errorf("server does not support certificate pushing")
	}
	wires := make([]CertificateWire, 0, len(chain))
	for _, cert := range chain {
		wires = append(wires, CertificateWire{Serialized: cert.Serialized, Signature: cert.Signature})
	}
	return c.postJSON(ctx, "/certificatechain/", wires, nil)
}

// CSR is a certificate signing request: the server signs a child certificate
// over a key pair this peer holds.
type CSR struct {
	Parent          string            `json:"parent"`
	Profile         string            `json:"profile"`
	ScopeDefinition string            `json:"scope_definition"`
	ScopeVersion    int               `json:"scope_version"`
	ScopeParams     map[string]string `json:"scope_params"`
	PublicKey       string            `json:"public_key"`
}

// RequestCertificate submits a CSR with basic-auth credentials and returns
// the signed certificate.
func (c *NetworkSyncConnection) RequestCertificate(ctx context.Context, csr CSR, username, password string) (*certificates.Certificate, error) {
	data, err := json.Marshal(csr)
	if err != nil {
		return nil, err
	}
	authReq, _ := http.NewRequest(http.MethodGet, "/", nil)
	authReq.SetBasicAuth(username, password)

	var wire CertificateWire
	err = c.do(ctx, requestSpec{
		method:  http.MethodPost,
		path:    "/certificates/",
		body:    data,
		headers: map[string]string{"Authorization": authReq.Header.Get("Authorization")},
	}, &wire)
	if err != nil {
		return nil, err
	}
	return certificates.Deserialize(wire.Serialized, wire.Signature)
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

// SyncSessionInfo is the server's view of a sync session.
type SyncSessionInfo struct {
	ID             string `json:"id"`
	Active         bool   `json:"active"`
	ServerInstance string `json:"server_instance"`
}

// CreateSyncSession performs the nonce handshake: it mints a nonce, signs
// "{nonce}:{session}" with the client certificate's private key, and opens
// the session on the server.
func (c *NetworkSyncConnection) CreateSyncSession(ctx context.Context, sessionID string, clientCert *certificates.Certificate, serverCertID, profile string, instance map[string]string) (*SyncSessionInfo, error) {
	nonce, err := c.MintNonce(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := clientCert.KeyPair()
	if err != nil {
		return nil, err
	}
	if !keys.HasPrivateKey() {
		return nil, fmt.Errorf("client certificate %s has no private key", clientCert.ID)
	}
	signature, err := keys.Sign(certificates.HandshakeMessage(nonce.ID, sessionID))
	if err != nil {
		return nil, err
	}

	var info SyncSessionInfo
	err = c.postJSON(ctx, "/syncsessions/", createSyncSessionRequest{
		ID:                  sessionID,
		ServerCertificateID: serverCertID,
		ClientCertificateID: clientCert.ID,
		Profile:             profile,
		ConnectionPath:      c.baseURL,
		Instance:            instance,
		NonceID:             nonce.ID,
		Signature:           signature,
	}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// CloseSyncSession deactivates the remote sync session.
func (c *NetworkSyncConnection) CloseSyncSession(ctx context.Context, id string) error {
	return c.do(ctx, requestSpec{method: http.MethodDelete, path: "/syncsessions/" + id}, nil)
}

type createTransferSessionRequest struct {
	ID            string `json:"id"`
	SyncSessionID string `json:"sync_session_id"`
	Filter        string `json:"filter"`
	Push          bool   `json:"push"`
	ClientFSIC    string `json:"client_fsic"`
}

// TransferSessionInfo is the server's view of a transfer session.
type TransferSessionInfo struct {
	ID                 string `json:"id"`
	RecordsTotal       int64  `json:"records_total"`
	RecordsTransferred int64  `json:"records_transferred"`
	ServerFSIC         string `json:"server_fsic"`
	Stage              string `json:"transfer_stage"`
	StageStatus        string `json:"transfer_stage_status"`
	TransferError      string `json:"transfer_error"`
}

// CreateTransferSession opens a transfer on the server. The server drives
// its own pipeline far enough to return its FSIC (and, for pulls, the queued
// record count). When async operations were negotiated the server does that
// work in the background, so this polls until the transfer is ready.
func (c *NetworkSyncConnection) CreateTransferSession(ctx context.Context, id, syncSessionID, filter string, push bool, clientFSIC string) (*TransferSessionInfo, error) {
	var info TransferSessionInfo
	err := c.postJSON(ctx, "/transfersessions/", createTransferSessionRequest{
		ID:            id,
		SyncSessionID: syncSessionID,
		Filter:        filter,
		Push:          push,
		ClientFSIC:    clientFSIC,
	}, &info)
	if err != nil {
		return nil, err
	}
	if !session.HasCapability(c.capabilities, session.CapabilityAsyncOperations) {
		return &info, nil
	}

	// For a push the server only needs its FSIC computed; for a pull it must
	// also have queued its outgoing records.
	readyStage := session.StageQueuing
	if push {
		readyStage = session.StageInitializing
	}
	return c.waitForTransfer(ctx, id, readyStage, &info)
}

// waitForTransfer polls the server until its pipeline has completed target.
func (c *NetworkSyncConnection) waitForTransfer(ctx context.Context, id string, target session.Stage, info *TransferSessionInfo) (*TransferSessionInfo, error) {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.Retry(func() error {
		latest, err := c.GetTransferSession(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		*info = *latest
		if latest.TransferError != "" {
			return backoff.Permanent(fmt.Errorf("remote transfer failed: %s", latest.TransferError))
		}
		stage := session.Stage(latest.Stage)
		if stage.Valid() && !stage.Before(target) &&
			latest.StageStatus == string(session.StatusCompleted) {
			return nil
		}
		return fmt.Errorf("remote transfer still at %s/%s", latest.Stage, latest.StageStatus)
	}, policy)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// GetTransferSession polls the server-side transfer state.
func (c *NetworkSyncConnection) GetTransferSession(ctx context.Context, id string) (*TransferSessionInfo, error) {
	var info TransferSessionInfo
	if err := c.getJSON(ctx, "/transfersessions/"+id, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// UpdateTransferSession patches mutable transfer fields on the server.
func (c *NetworkSyncConnection) UpdateTransferSession(ctx context.Context, id string, recordsTransferred int64) (*TransferSessionInfo, error) {
	var info TransferSessionInfo
	data, err := json.Marshal(map[string]any{"records_transferred": recordsTransferred})
	if err != nil {
		return nil, err
	}
	err = c.do(ctx, requestSpec{method: http.MethodPatch, path: "/transfersessions/" + id, body: data}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// CloseTransferSession asks the server to finalize the transfer. When the
// peer negotiated async operations the server finalizes in the background
// and this call polls until it lands.
func (c *NetworkSyncConnection) CloseTransferSession(ctx context.Context, id string) (*TransferSessionInfo, error) {
	var info TransferSessionInfo
	err := c.do(ctx, requestSpec{method: http.MethodDelete, path: "/transfersessions/" + id}, &info)
	if err != nil {
		return nil, err
	}
	if !session.HasCapability(c.capabilities, session.CapabilityAsyncOperations) {
		return &info, nil
	}
	return c.waitForTransfer(ctx, id, session.StageCleanup, &info)
}

// PushBuffers uploads one chunk of buffered records, gzip-compressed when
// the server negotiated it.
func (c *NetworkSyncConnection) PushBuffers(ctx context.Context, buffers []store.WireBuffer) (int64, error) {
	data, err := json.Marshal(buffers)
	if err != nil {
		return 0, err
	}

	spec := requestSpec{method: http.MethodPost, path: "/buffers/", body: data}
	if c.opts.GzipBufferPost && session.HasCapability(c.capabilities, session.CapabilityGzipBufferPost) {
		var compressed bytes.Buffer
		gz := gzip.NewWriter(&compressed)
		if _, err := gz.Write(data); err != nil {
			return 0, err
		}
		if err := gz.Close(); err != nil {
			return 0, err
		}
		spec.body = compressed.Bytes()
		spec.gzipped = true
	}

	if err := c.do(ctx, spec, nil); err != nil {
		return 0, err
	}
	return int64(len(spec.body)), nil
}

// BufferPage is one page of a pull.
type BufferPage struct {
	Count   int64              `json:"count"`
	Results []store.WireBuffer `json:"results"`
}

// PullBuffers downloads one chunk of buffered records from the server.
func (c *NetworkSyncConnection) PullBuffers(ctx context.Context, transferSessionID string, limit, offset int) (*BufferPage, error) {
	var page BufferPage
	path := "/buffers/?transfer_session_id=" + url.QueryEscape(transferSessionID) +
		"&limit=" + strconv.Itoa(limit) + "&offset=" + strconv.Itoa(offset)
	if err := c.getJSON(ctx, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/morango/morango/internal/certificates"
	"github.com/morango/morango/internal/config"
	"github.com/morango/morango/internal/crypto"
	"github.com/morango/morango/internal/filters"
	"github.com/morango/morango/internal/identity"
	"github.com/morango/morango/internal/registry"
	"github.com/morango/morango/internal/serialization"
	"github.com/morango/morango/internal/server"
	"github.com/morango/morango/internal/session"
	"github.com/morango/morango/internal/store"
)

type clientNode struct {
	db  *sql.DB
	env *session.LocalEnv
	app *registry.SQLiteModelStore
}

func setupClientNode(t *testing.T, deserialize bool) *clientNode {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "client.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	records, err := store.New(db, "sqlite")
	require.NoError(t, err)
	sessions, err := session.NewStore(db)
	require.NoError(t, err)
	ident, err := identity.NewManager(db, identity.Options{DBPath: dbPath, Hostname: "clientbox"})
	require.NoError(t, err)
	app, err := registry.NewSQLiteModelStore(db, "testprofile")
	require.NoError(t, err)

	return &clientNode{
		db: db,
		env: &session.LocalEnv{
			Records:                   records,
			Sessions:                  sessions,
			Serialization:             serialization.New(records, ident),
			Identity:                  ident,
			SerializeBeforeQueuing:    false,
			DeserializeAfterDequeuing: deserialize,
		},
		app: app,
	}
}

type remoteServer struct {
	srv  *server.Server
	http *httptest.Server
	root *certificates.Certificate
}

func setupRemoteServer(t *testing.T) *remoteServer {
	t.Helper()
	ctx := context.Background()

	cfg := &config.Config{
		DataDir:  t.TempDir(),
		Database: config.DatabaseConfig{Driver: "sqlite"},
		Sync:     config.SyncConfig{ChunkSize: 500, MaxRetries: 3, CleanupExpirationHours: 6},
	}
	db, err := sql.Open("sqlite", cfg.DBPath()+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv, err := server.New(cfg, db)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	def := &certificates.ScopeDefinition{
		ID:                   "full-facility",
		Profile:              "testprofile",
		Version:              1,
		PrimaryScopeParamKey: "mainpartition",
		ReadFilterTemplate:   "${mainpartition}",
		WriteFilterTemplate:  "${mainpartition}",
	}
	require.NoError(t, srv.Certificates().SaveScopeDefinition(ctx, def))
	root, err := certificates.GenerateRoot(def, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Certificates().Save(ctx, root))

	return &remoteServer{srv: srv, http: ts, root: root}
}

func registerTestProfile(t *testing.T, app *registry.SQLiteModelStore) {
	t.Helper()
	registry.Reset()
	t.Cleanup(registry.Reset)
	require.NoError(t, registry.Register(&registry.Profile{
		Name: "testprofile",
		Models: []*registry.ModelDescriptor{
			{Name: "user", Profile: "testprofile", FieldNames: []string{"username"}},
		},
		Store: app,
	}))
}

func seedRecord(t *testing.T, env *session.LocalEnv, partition, sourceID string) *store.Record {
	t.Helper()
	ctx := context.Background()
	snap, err := env.Identity.CurrentAndIncrement(ctx)
	require.NoError(t, err)

	rec := &store.Record{
		ID:                crypto.ContentID(partition, sourceID, "user"),
		Profile:           "testprofile",
		Serialized:        fmt.Sprintf(`{"username":%q}`, sourceID),
		LastSavedInstance: snap.ID,
		LastSavedCounter:  snap.Counter,
		Partition:         partition,
		SourceID:          sourceID,
		ModelName:         "user",
	}
	require.NoError(t, env.Records.SaveRecord(ctx, rec))
	require.NoError(t, env.Records.UpsertRMC(ctx, rec.ID, snap.ID, snap.Counter))
	require.NoError(t, env.Records.UpdateDMC(ctx, snap.ID, partition, snap.Counter))
	return rec
}

func connectedClient(t *testing.T, remote *remoteServer, node *clientNode) *SyncClient {
	t.Helper()
	conn := NewConnection(remote.http.URL, Options{ChunkSize: 2, MaxRetries: 2})
	sc := NewSyncClient(conn, node.env, remote.root, remote.root.ID, "testprofile")
	require.NoError(t, sc.Connect(context.Background()))
	return sc
}

func TestConnectNegotiatesCapabilities(t *testing.T) {
	remote := setupRemoteServer(t)
	node := setupClientNode(t, false)
	ctx := context.Background()

	conn := NewConnection(remote.http.URL, Options{})
	info, err := conn.FetchInfo(ctx)
	require.NoError(t, err)
	assert.Len(t, info.InstanceID, 32)
	assert.Contains(t, conn.Capabilities(), session.CapabilityGzipBufferPost)

	sc := NewSyncClient(conn, node.env, remote.root, remote.root.ID, "testprofile")
	require.NoError(t, sc.Connect(ctx))
	require.NotNil(t, sc.SyncSession())
	assert.True(t, sc.SyncSession().Active)

	require.NoError(t, sc.Close(ctx))
	assert.False(t, sc.SyncSession().Active)
}

func TestPushEndToEnd(t *testing.T) {
	remote := setupRemoteServer(t)
	node := setupClientNode(t, false)
	ctx := context.Background()

	var seeded []*store.Record
	for i := 0; i < 5; i++ {
		seeded = append(seeded, seedRecord(t, node.env, remote.root.ID, fmt.Sprintf("user%d", i)))
	}

	sc := connectedClient(t, remote, node)
	ts, err := sc.Push(ctx, filters.New(remote.root.ID))
	require.NoError(t, err)

	assert.Equal(t, int64(5), ts.RecordsTotal)
	assert.Equal(t, int64(5), ts.RecordsTransferred)
	assert.False(t, ts.Active)

	for _, rec := range seeded {
		got, err := remote.srv.Env().Records.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, rec.Serialized, got.Serialized)
	}

	// No transit state remains on either side.
	n, err := node.env.Records.CountBuffers(ctx, ts.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = remote.srv.Env().Records.CountBuffers(ctx, ts.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, sc.Close(ctx))
}

func TestPushIsIncremental(t *testing.T) {
	remote := setupRemoteServer(t)
	node := setupClientNode(t, false)
	ctx := context.Background()

	seedRecord(t, node.env, remote.root.ID, "alice")

	sc := connectedClient(t, remote, node)
	first, err := sc.Push(ctx, filters.New(remote.root.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.RecordsTotal)

	// The server absorbed the counters, so a second push moves nothing.
	second, err := sc.Push(ctx, filters.New(remote.root.ID))
	require.NoError(t, err)
	assert.Zero(t, second.RecordsTotal)
}

func TestPullEndToEnd(t *testing.T) {
	remote := setupRemoteServer(t)
	node := setupClientNode(t, true)
	ctx := context.Background()

	registerTestProfile(t, node.app)

	var seeded []*store.Record
	for i := 0; i < 3; i++ {
		seeded = append(seeded, seedRecord(t, remote.srv.Env(), remote.root.ID, fmt.Sprintf("user%d", i)))
	}

	sc := connectedClient(t, remote, node)
	ts, err := sc.Pull(ctx, filters.New(remote.root.ID))
	require.NoError(t, err)

	assert.Equal(t, int64(3), ts.RecordsTotal)
	assert.Equal(t, int64(3), ts.RecordsTransferred)

	// Records landed in the local store and were deserialized into the
	// application tables.
	for _, rec := range seeded {
		got, err := node.env.Records.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, rec.Serialized, got.Serialized)

		appRec, err := node.app.Get(ctx, rec.ID)
		require.NoError(t, err)
		require.NotNil(t, appRec)
		assert.Equal(t, rec.SourceID, appRec.Fields["username"])
	}

	// The server's counters were absorbed: pulling again moves nothing.
	again, err := sc.Pull(ctx, filters.New(remote.root.ID))
	require.NoError(t, err)
	assert.Zero(t, again.RecordsTotal)

	require.NoError(t, sc.Close(ctx))
}

func TestPushResumesInterruptedTransfer(t *testing.T) {
	remote := setupRemoteServer(t)
	node := setupClientNode(t, false)
	ctx := context.Background()

	seedRecord(t, node.env, remote.root.ID, "alice")
	seedRecord(t, node.env, remote.root.ID, "bob")

	sc := connectedClient(t, remote, node)

	// Leave a half-started transfer behind, as a crashed run would.
	abandoned := &session.TransferSession{
		ID:     crypto.RandomID(),
		Push:   true,
		Filter: filters.New(remote.root.ID),
	}
	_, err := node.env.StartTransfer(ctx, sc.SyncSession(), abandoned, false, sc.conn.Capabilities())
	require.NoError(t, err)

	// A different direction cannot pick it up.
	_, err = sc.Pull(ctx, filters.New(remote.root.ID))
	assert.ErrorIs(t, err, session.ErrResumeSync)

	// The matching push resumes the abandoned transfer instead of opening a
	// second one.
	ts, err := sc.Push(ctx, filters.New(remote.root.ID))
	require.NoError(t, err)
	assert.Equal(t, abandoned.ID, ts.ID)
	assert.Equal(t, int64(2), ts.RecordsTransferred)
	assert.False(t, ts.Active)
}

func TestPushOutsideScopeIsRejected(t *testing.T) {
	remote := setupRemoteServer(t)
	node := setupClientNode(t, false)
	ctx := context.Background()

	sc := connectedClient(t, remote, node)
	_, err := sc.Push(ctx, filters.New("partition_outside_scope"))
	require.Error(t, err)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusForbidden, reqErr.StatusCode)
}

func TestRequestCertificate(t *testing.T) {
	remote := setupRemoteServer(t)
	ctx := context.Background()

	sub := &certificates.ScopeDefinition{
		ID:                   "single-user",
		Profile:              "testprofile",
		Version:              1,
		PrimaryScopeParamKey: "mainpartition",
		ReadFilterTemplate:   "${mainpartition}",
		WriteFilterTemplate:  "${mainpartition}:${user}",
	}
	require.NoError(t, remote.srv.Certificates().SaveScopeDefinition(ctx, sub))
	remote.srv.CSRAuth = func(r *http.Request, username, password string) bool {
		return username == "admin" && password == "secret"
	}

	conn := NewConnection(remote.http.URL, Options{MaxRetries: 1})
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	csr := CSR{
		Parent:          remote.root.ID,
		Profile:         "testprofile",
		ScopeDefinition: sub.ID,
		ScopeParams:     map[string]string{"mainpartition": remote.root.ID, "user": "alice"},
		PublicKey:       keys.PublicKeyString(),
	}

	_, err = conn.RequestCertificate(ctx, csr, "admin", "wrong")
	require.Error(t, err)

	signed, err := conn.RequestCertificate(ctx, csr, "admin", "secret")
	require.NoError(t, err)
	assert.Equal(t, remote.root.ID, signed.ParentID)
	assert.NoError(t, signed.Check(remote.root, remote.srv.Certificates()))
}

func TestPushCertificateChainFromClient(t *testing.T) {
	remote := setupRemoteServer(t)
	ctx := context.Background()

	conn := NewConnection(remote.http.URL, Options{MaxRetries: 1})
	_, err := conn.FetchInfo(ctx)
	require.NoError(t, err)

	def, err := remote.srv.Certificates().ScopeDefinition("full-facility")
	require.NoError(t, err)
	localRoot, err := certificates.GenerateRoot(def, nil)
	require.NoError(t, err)
	child, err := certificates.NewChild(localRoot, def, map[string]string{"mainpartition": localRoot.ID})
	require.NoError(t, err)
	require.NoError(t, localRoot.SignChild(child))

	require.NoError(t, conn.PushCertificateChain(ctx, []*certificates.Certificate{localRoot, child}))

	chain, err := conn.FetchCertificateChain(ctx, child.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, localRoot.ID, chain[0].ID)
	assert.Equal(t, child.ID, chain[1].ID)
}

package certificates

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/morango/morango/internal/crypto"
)

const Schema = `
CREATE TABLE IF NOT EXISTS certificate (
    id TEXT PRIMARY KEY,
    parent_id TEXT DEFAULT '',
    profile TEXT NOT NULL,
    salt TEXT NOT NULL DEFAULT '',
    scope_definition_id TEXT NOT NULL,
    scope_version INTEGER NOT NULL DEFAULT 1,
    scope_params TEXT NOT NULL DEFAULT '{}',
    public_key TEXT NOT NULL,
    serialized TEXT NOT NULL,
    signature TEXT NOT NULL,
    private_key TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_certificate_parent ON certificate(parent_id);
CREATE INDEX IF NOT EXISTS idx_certificate_profile ON certificate(profile);

CREATE TABLE IF NOT EXISTS scope_definition (
    id TEXT PRIMARY KEY,
    profile TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    primary_scope_param_key TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    read_filter_template TEXT NOT NULL DEFAULT '',
    write_filter_template TEXT NOT NULL DEFAULT '',
    read_write_filter_template TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS nonce (
    id TEXT PRIMARY KEY,
    timestamp TIMESTAMP NOT NULL,
    ip TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS shared_key (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    public_key TEXT NOT NULL,
    private_key TEXT NOT NULL,
    current INTEGER NOT NULL DEFAULT 1
);
`

// NonceTTL is how long a minted nonce stays valid.
const NonceTTL = 60 * time.Second

// InitSchema creates the certificate tables.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Store persists certificates, scope definitions, nonces and the shared
// certificate-pushing key in SQLite.
type Store struct {
	db  *sql.DB
	log *logrus.Entry
}

// NewStore initializes the schema and returns a certificate store.
func NewStore(db *sql.DB) (*Store, error) {
	if err := InitSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize certificate schema: %w", err)
	}
	return &Store{
		db:  db,
		log: logrus.WithField("component", "certificates"),
	}, nil
}

// ScopeDefinition implements DefinitionLookup.
func (s *Store) ScopeDefinition(id string) (*ScopeDefinition, error) {
	def := &ScopeDefinition{}
	err := s.db.QueryRow(`
		SELECT id, profile, version, primary_scope_param_key, description,
		       read_filter_template, write_filter_template, read_write_filter_template
		FROM scope_definition WHERE id = ?
	`, id).Scan(
		&def.ID, &def.Profile, &def.Version, &def.PrimaryScopeParamKey, &def.Description,
		&def.ReadFilterTemplate, &def.WriteFilterTemplate, &def.ReadWriteFilterTemplate,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrScopeDefinitionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scope definition: %w", err)
	}
	return def, nil
}

// SaveScopeDefinition upserts a scope definition template.
func (s *Store) SaveScopeDefinition(ctx context.Context, def *ScopeDefinition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scope_definition (
			id, profile, version, primary_scope_param_key, description,
			read_filter_template, write_filter_template, read_write_filter_template
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			profile = excluded.profile,
			version = excluded.version,
			primary_scope_param_key = excluded.primary_scope_param_key,
			description = excluded.description,
			read_filter_template = excluded.read_filter_template,
			write_filter_template = excluded.write_filter_template,
			read_write_filter_template = excluded.read_write_filter_template
	`, def.ID, def.Profile, def.Version, def.PrimaryScopeParamKey, def.Description,
		def.ReadFilterTemplate, def.WriteFilterTemplate, def.ReadWriteFilterTemplate)
	if err != nil {
		return fmt.Errorf("failed to save scope definition: %w", err)
	}
	return nil
}

// Get returns a stored certificate by ID.
func (s *Store) Get(ctx context.Context, id string) (*Certificate, error) {
	return s.get(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q querier, id string) (*Certificate, error) {
	cert := &Certificate{}
	var scopeParams string
	err := q.QueryRowContext(ctx, `
		SELECT id, parent_id, profile, salt, scope_definition_id, scope_version,
		       scope_params, public_key, serialized, signature, private_key
		FROM certificate WHERE id = ?
	`, id).Scan(
		&cert.ID, &cert.ParentID, &cert.Profile, &cert.Salt, &cert.ScopeDefinitionID,
		&cert.ScopeVersion, &scopeParams, &cert.PublicKeyString, &cert.Serialized,
		&cert.Signature, &cert.PrivateKeyPEM,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrCertificateNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	cert.ScopeParams, err = decodeScopeParams(scopeParams)
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// Exists reports whether a certificate is stored.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM certificate WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check certificate existence: %w", err)
	}
	return n > 0, nil
}

// Save persists a certificate without validation. Use SaveChain for
// certificates received from a peer.
func (s *Store) Save(ctx context.Context, cert *Certificate) error {
	return s.save(ctx, s.db, cert)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) save(ctx context.Context, e execer, cert *Certificate) error {
	params, err := encodeScopeParams(cert.ScopeParams)
	if err != nil {
		return err
	}
	if cert.Serialized == "" {
		if cert.Serialized, err = cert.Serialize(); err != nil {
			return err
		}
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO certificate (
			id, parent_id, profile, salt, scope_definition_id, scope_version,
			scope_params, public_key, serialized, signature, private_key
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET private_key = CASE
			WHEN excluded.private_key != '' THEN excluded.private_key
			ELSE certificate.private_key END
	`, cert.ID, cert.ParentID, cert.Profile, cert.Salt, cert.ScopeDefinitionID,
		cert.ScopeVersion, params, cert.PublicKeyString, cert.Serialized,
		cert.Signature, cert.PrivateKeyPEM)
	if err != nil {
		return fmt.Errorf("failed to save certificate: %w", err)
	}
	return nil
}

// Ancestors returns the chain from root to the given certificate, inclusive.
func (s *Store) Ancestors(ctx context.Context, id string) ([]*Certificate, error) {
	var chain []*Certificate
	seen := map[string]bool{}
	for id != "" && !seen[id] {
		seen[id] = true
		cert, err := s.get(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		chain = append([]*Certificate{cert}, chain...)
		id = cert.ParentID
	}
	return chain, nil
}

// List returns stored certificates, optionally restricted to a profile.
func (s *Store) List(ctx context.Context, profile string) ([]*Certificate, error) {
	query := `SELECT id FROM certificate`
	args := []any{}
	if profile != "" {
		query += ` WHERE profile = ?`
		args = append(args, profile)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	certs := make([]*Certificate, 0, len(ids))
	for _, id := range ids {
		cert, err := s.get(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// OwnedByPrimaryPartition returns certificates this peer holds a private key
// for whose primary partition matches.
func (s *Store) OwnedByPrimaryPartition(ctx context.Context, partition, profile string) ([]*Certificate, error) {
	certs, err := s.List(ctx, profile)
	if err != nil {
		return nil, err
	}
	var out []*Certificate
	for _, cert := range certs {
		if cert.PrivateKeyPEM == "" {
			continue
		}
		def, err := s.ScopeDefinition(cert.ScopeDefinitionID)
		if err != nil {
			continue
		}
		if cert.ScopeParams[def.PrimaryScopeParamKey] == partition {
			out = append(out, cert)
		}
	}
	return out, nil
}

// SaveChain validates and saves a certificate chain ordered root to leaf.
// When expectedLastID is non-empty the leaf must match it. If the leaf is
// already stored the call short-circuits; otherwise validation starts at the
// deepest already-known ancestor (or the root) and proceeds down the chain,
// saving inside a single transaction.
func (s *Store) SaveChain(ctx context.Context, chain []*Certificate, expectedLastID string) (*Certificate, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("empty certificate chain")
	}
	leaf := chain[len(chain)-1]
	if expectedLastID != "" && leaf.ID != expectedLastID {
		return nil, fmt.Errorf("%w: chain ends in %s, expected %s", ErrCertificateIDInvalid, leaf.ID, expectedLastID)
	}

	if exists, err := s.Exists(ctx, leaf.ID); err != nil {
		return nil, err
	} else if exists {
		return s.Get(ctx, leaf.ID)
	}

	// Find the deepest certificate we already trust.
	start := 0
	for i := len(chain) - 1; i >= 0; i-- {
		exists, err := s.Exists(ctx, chain[i].ID)
		if err != nil {
			return nil, err
		}
		if exists {
			start = i + 1
			break
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin chain transaction: %w", err)
	}
	defer tx.Rollback()

	for i := start; i < len(chain); i++ {
		cert := chain[i]
		var parent *Certificate
		if !cert.IsRoot() {
			if i > 0 && chain[i-1].ID == cert.ParentID {
				parent = chain[i-1]
			} else {
				parent, err = s.get(ctx, tx, cert.ParentID)
				if err != nil {
					return nil, err
				}
			}
		}
		if err := cert.Check(parent, s); err != nil {
			return nil, err
		}
		if err := s.save(ctx, tx, cert); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit chain transaction: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"leaf_id":     leaf.ID,
		"chain_depth": len(chain),
	}).Info("Saved certificate chain")
	return leaf, nil
}

// Nonce is a single-use handshake token.
type Nonce struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	IP        string    `json:"ip"`
}

// MintNonce creates a fresh nonce bound to the requesting IP.
func (s *Store) MintNonce(ctx context.Context, ip string) (*Nonce, error) {
	n := &Nonce{ID: crypto.RandomID(), Timestamp: time.Now().UTC(), IP: ip}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nonce (id, timestamp, ip) VALUES (?, ?, ?)
	`, n.ID, n.Timestamp, n.IP)
	if err != nil {
		return nil, fmt.Errorf("failed to mint nonce: %w", err)
	}
	return n, nil
}

// UseNonce consumes a nonce atomically. A nonce may be used exactly once
// within NonceTTL of minting; expired nonces are deleted on sight.
func (s *Store) UseNonce(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin nonce transaction: %w", err)
	}
	defer tx.Rollback()

	var ts time.Time
	err = tx.QueryRowContext(ctx, `SELECT timestamp FROM nonce WHERE id = ?`, id).Scan(&ts)
	if err == sql.ErrNoRows {
		return ErrNonceDoesNotExist
	}
	if err != nil {
		return fmt.Errorf("failed to look up nonce: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM nonce WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to consume nonce: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit nonce transaction: %w", err)
	}

	if time.Since(ts) > NonceTTL {
		return ErrNonceExpired
	}
	return nil
}

// SharedKey returns the current shared certificate-pushing key, generating
// one on first use.
func (s *Store) SharedKey(ctx context.Context) (*crypto.KeyPair, error) {
	var privatePEM string
	err := s.db.QueryRowContext(ctx, `
		SELECT private_key FROM shared_key WHERE current = 1 ORDER BY id DESC LIMIT 1
	`).Scan(&privatePEM)
	if err == nil {
		return crypto.ParsePrivateKey(privatePEM)
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load shared key: %w", err)
	}

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shared_key (public_key, private_key, current) VALUES (?, ?, 1)
	`, keys.PublicKeyString(), keys.PrivateKeyPEM())
	if err != nil {
		return nil, fmt.Errorf("failed to save shared key: %w", err)
	}
	s.log.Info("Generated shared certificate-pushing key")
	return keys, nil
}

// HandshakeMessage is the string a client signs to prove key ownership when
// creating a sync session.
func HandshakeMessage(nonceID, syncSessionID string) string {
	return fmt.Sprintf("%s:%s", nonceID, syncSessionID)
}

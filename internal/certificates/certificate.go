// Package certificates implements the rooted, signed certificate tree that
// scopes what a peer may read and write during sync. Each certificate binds
// an RSA public key to a partition scope; children are signed by their
// parent and may only narrow the parent's scope.
package certificates

import (
	"encoding/json"
	"fmt"

	"github.com/morango/morango/internal/crypto"
)

// Certificate is one node of the certificate tree.
type Certificate struct {
	ID                string            `json:"id"`
	ParentID          string            `json:"parent_id"`
	Profile           string            `json:"profile"`
	Salt              string            `json:"salt"`
	ScopeDefinitionID string            `json:"scope_definition_id"`
	ScopeVersion      int               `json:"scope_version"`
	ScopeParams       map[string]string `json:"scope_params"`
	PublicKeyString   string            `json:"public_key_string"`
	Serialized        string            `json:"serialized"`
	Signature         string            `json:"signature"`

	// PrivateKeyPEM is held only when this peer owns the certificate.
	PrivateKeyPEM string `json:"-"`
}

// serializedForm is the canonical JSON over which signatures are computed.
// Field order is the wire contract; scope_params is the canonical JSON
// string of the params object.
type serializedForm struct {
	ID                string  `json:"id"`
	ParentID          *string `json:"parent_id"`
	Profile           string  `json:"profile"`
	Salt              string  `json:"salt"`
	ScopeDefinitionID string  `json:"scope_definition_id"`
	ScopeVersion      int     `json:"scope_version"`
	ScopeParams       string  `json:"scope_params"`
	PublicKeyString   string  `json:"public_key_string"`
}

// IsRoot reports whether the certificate is self-signed.
func (c *Certificate) IsRoot() bool {
	return c.ParentID == ""
}

// Serialize computes the canonical bytes of the certificate minus its
// signature.
func (c *Certificate) Serialize() (string, error) {
	params, err := encodeScopeParams(c.ScopeParams)
	if err != nil {
		return "", err
	}
	form := serializedForm{
		ID:                c.ID,
		Profile:           c.Profile,
		Salt:              c.Salt,
		ScopeDefinitionID: c.ScopeDefinitionID,
		ScopeVersion:      c.ScopeVersion,
		ScopeParams:       params,
		PublicKeyString:   c.PublicKeyString,
	}
	if c.ParentID != "" {
		form.ParentID = &c.ParentID
	}
	data, err := json.Marshal(form)
	if err != nil {
		return "", fmt.Errorf("failed to serialize certificate: %w", err)
	}
	return string(data), nil
}

// computeID derives the content-addressed certificate ID.
func computeID(publicKey, profile, salt string) string {
	return crypto.ContentID(publicKey, profile, salt)
}

// KeyPair returns the certificate's key pair: signing-capable when the
// private key is held, verify-only otherwise.
func (c *Certificate) KeyPair() (*crypto.KeyPair, error) {
	if c.PrivateKeyPEM != "" {
		return crypto.ParsePrivateKey(c.PrivateKeyPEM)
	}
	return crypto.ParsePublicKey(c.PublicKeyString)
}

// Scope instantiates the certificate's scope from its definition.
func (c *Certificate) Scope(def *ScopeDefinition) (Scope, error) {
	return def.Instantiate(c.ScopeParams)
}

// GenerateRoot creates a new self-signed root certificate for the given
// scope definition. The primary scope parameter is bound to the new
// certificate's own ID, so every partition in a root scope begins with it.
func GenerateRoot(def *ScopeDefinition, extraParams map[string]string) (*Certificate, error) {
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	cert := &Certificate{
		Profile:           def.Profile,
		Salt:              "",
		ScopeDefinitionID: def.ID,
		ScopeVersion:      def.Version,
		ScopeParams:       map[string]string{},
		PublicKeyString:   keys.PublicKeyString(),
		PrivateKeyPEM:     keys.PrivateKeyPEM(),
	}
	for k, v := range extraParams {
		cert.ScopeParams[k] = v
	}

	cert.ID = computeID(cert.PublicKeyString, cert.Profile, cert.Salt)
	cert.ScopeParams[def.PrimaryScopeParamKey] = cert.ID

	serialized, err := cert.Serialize()
	if err != nil {
		return nil, err
	}
	cert.Serialized = serialized

	cert.Signature, err = keys.Sign(serialized)
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// NewChild builds an unsigned child certificate under parent with the given
// scope parameters and a fresh key pair. The caller signs it with
// parent.SignChild.
func NewChild(parent *Certificate, def *ScopeDefinition, scopeParams map[string]string) (*Certificate, error) {
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	cert := &Certificate{
		ParentID:          parent.ID,
		Profile:           parent.Profile,
		Salt:              crypto.RandomID(),
		ScopeDefinitionID: def.ID,
		ScopeVersion:      def.Version,
		ScopeParams:       scopeParams,
		PublicKeyString:   keys.PublicKeyString(),
		PrivateKeyPEM:     keys.PrivateKeyPEM(),
	}
	cert.ID = computeID(cert.PublicKeyString, cert.Profile, cert.Salt)

	cert.Serialized, err = cert.Serialize()
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// NewChildForKey builds an unsigned child certificate over a key pair the
// requester holds; only the public half crosses the wire. This is the signing
// side of a certificate signing request.
func NewChildForKey(parent *Certificate, def *ScopeDefinition, scopeParams map[string]string, publicKeyString string) (*Certificate, error) {
	if _, err := crypto.ParsePublicKey(publicKeyString); err != nil {
		return nil, fmt.Errorf("invalid public key in signing request: %w", err)
	}

	cert := &Certificate{
		ParentID:          parent.ID,
		Profile:           parent.Profile,
		Salt:              crypto.RandomID(),
		ScopeDefinitionID: def.ID,
		ScopeVersion:      def.Version,
		ScopeParams:       scopeParams,
		PublicKeyString:   publicKeyString,
	}
	cert.ID = computeID(cert.PublicKeyString, cert.Profile, cert.Salt)

	var err error
	cert.Serialized, err = cert.Serialize()
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// Deserialize reconstructs a certificate from its canonical wire form and
// signature. The result carries no private key.
func Deserialize(serialized, signature string) (*Certificate, error) {
	var form serializedForm
	if err := json.Unmarshal([]byte(serialized), &form); err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	params, err := decodeScopeParams(form.ScopeParams)
	if err != nil {
		return nil, err
	}

	cert := &Certificate{
		ID:                form.ID,
		Profile:           form.Profile,
		Salt:              form.Salt,
		ScopeDefinitionID: form.ScopeDefinitionID,
		ScopeVersion:      form.ScopeVersion,
		ScopeParams:       params,
		PublicKeyString:   form.PublicKeyString,
		Serialized:        serialized,
		Signature:         signature,
	}
	if form.ParentID != nil {
		cert.ParentID = *form.ParentID
	}
	return cert, nil
}

// SignChild signs child's canonical serialization with this certificate's
// private key and stores the signature on the child.
func (c *Certificate) SignChild(child *Certificate) error {
	keys, err := c.KeyPair()
	if err != nil {
		return err
	}
	if !keys.HasPrivateKey() {
		return fmt.Errorf("cannot sign child of %s: no private key", c.ID)
	}

	serialized, err := child.Serialize()
	if err != nil {
		return err
	}
	child.Serialized = serialized
	child.Signature, err = keys.Sign(serialized)
	return err
}

// Check validates a certificate against its parent (nil for roots):
// the ID must equal the hash of its fields, the signature must verify under
// the parent's public key (or its own for roots), the profile must match the
// parent's, the scope must be a subset of the parent's scope, and for roots
// every scope partition must begin with the certificate's ID.
func (c *Certificate) Check(parent *Certificate, defs DefinitionLookup) error {
	if c.ID != computeID(c.PublicKeyString, c.Profile, c.Salt) {
		return fmt.Errorf("%w: %s", ErrCertificateIDInvalid, c.ID)
	}

	signer := c
	if !c.IsRoot() {
		if parent == nil || parent.ID != c.ParentID {
			return fmt.Errorf("%w: parent %s not available", ErrCertificateSignatureInvalid, c.ParentID)
		}
		signer = parent
	}

	signerKeys, err := crypto.ParsePublicKey(signer.PublicKeyString)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateSignatureInvalid, err)
	}

	serialized := c.Serialized
	if serialized == "" {
		if serialized, err = c.Serialize(); err != nil {
			return err
		}
	}
	if !signerKeys.Verify(serialized, c.Signature) {
		return fmt.Errorf("%w: %s", ErrCertificateSignatureInvalid, c.ID)
	}

	def, err := defs.ScopeDefinition(c.ScopeDefinitionID)
	if err != nil {
		return err
	}
	scope, err := c.Scope(def)
	if err != nil {
		return err
	}

	if c.IsRoot() {
		for _, partition := range scope.AllPartitions() {
			if len(partition) < len(c.ID) || partition[:len(c.ID)] != c.ID {
				return fmt.Errorf("%w: partition %q", ErrCertificateRootScopeInvalid, partition)
			}
		}
		return nil
	}

	if c.Profile != parent.Profile {
		return fmt.Errorf("%w: %q != %q", ErrCertificateProfileInvalid, c.Profile, parent.Profile)
	}

	parentDef, err := defs.ScopeDefinition(parent.ScopeDefinitionID)
	if err != nil {
		return err
	}
	parentScope, err := parent.Scope(parentDef)
	if err != nil {
		return err
	}
	if !scope.IsSubsetOf(parentScope) {
		return fmt.Errorf("%w: %s under %s", ErrCertificateScopeNotSubset, c.ID, parent.ID)
	}
	return nil
}

// DefinitionLookup resolves scope definitions by ID.
type DefinitionLookup interface {
	ScopeDefinition(id string) (*ScopeDefinition, error)
}

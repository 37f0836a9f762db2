// Package trust verifies detached OpenPGP signatures against an
// allow-list of key fingerprints.
//
// A Store wraps the keyring signatures are validated with; the allow-list
// is a FingerprintSet, usually built by expanding a primary key to all its
// subkey fingerprints. Verification is fail-closed: a malformed signature,
// an unknown issuer, or an empty allow-list can only produce an error,
// never a pass.
package trust

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	pgperrors "github.com/ProtonMail/go-crypto/openpgp/errors"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// Store holds the OpenPGP keyring signatures are checked against. It is
// built once at startup and passed to every verification; there is no
// process-wide keyring.
type Store struct {
	keyring openpgp.EntityList
}

// NewStore reads a keyring, armored or binary, from r.
func NewStore(r io.Reader) (*Store, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("trust: reading keyring: %w", err)
	}
	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err != nil {
		keyring, err = openpgp.ReadKeyRing(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("trust: parsing keyring: %w", err)
	}
	if len(keyring) == 0 {
		return nil, fmt.Errorf("trust: keyring is empty")
	}
	return &Store{keyring: keyring}, nil
}

// LoadStore reads a keyring from a file.
func LoadStore(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trust: opening keyring: %w", err)
	}
	defer f.Close()
	return NewStore(f)
}

// FingerprintSet is an allow-list of key fingerprints. Membership is
// case-insensitive: fingerprints are normalized to uppercase hex with
// spacing removed.
type FingerprintSet struct {
	members map[string]struct{}
}

// NewFingerprintSet builds a set from explicit fingerprints.
func NewFingerprintSet(fingerprints ...string) *FingerprintSet {
	set := &FingerprintSet{members: make(map[string]struct{}, len(fingerprints))}
	for _, fpr := range fingerprints {
		set.Add(fpr)
	}
	return set
}

// Add inserts a fingerprint.
func (s *FingerprintSet) Add(fingerprint string) {
	s.members[NormalizeFingerprint(fingerprint)] = struct{}{}
}

// Contains reports membership.
func (s *FingerprintSet) Contains(fingerprint string) bool {
	_, ok := s.members[NormalizeFingerprint(fingerprint)]
	return ok
}

// Len returns the number of fingerprints in the set.
func (s *FingerprintSet) Len() int { return len(s.members) }

// Fingerprints returns the members in sorted order.
func (s *FingerprintSet) Fingerprints() []string {
	out := make([]string, 0, len(s.members))
	for fpr := range s.members {
		out = append(out, fpr)
	}
	sort.Strings(out)
	return out
}

// NormalizeFingerprint uppercases a hex fingerprint and strips the
// grouping spaces gpg prints, so "cba2 3971 ..." and "CBA23971..."
// compare equal.
func NormalizeFingerprint(fingerprint string) string {
	return strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
}

func hexFingerprint(fingerprint []byte) string {
	return strings.ToUpper(hex.EncodeToString(fingerprint))
}

// SubkeyFingerprints expands a primary key fingerprint to the
// fingerprints of the key itself and all its subkeys. Operators configure
// the long-lived primary; upstream signs with whichever subkey is
// current.
func (s *Store) SubkeyFingerprints(primary string) ([]string, error) {
	want := NormalizeFingerprint(primary)
	for _, entity := range s.keyring {
		if hexFingerprint(entity.PrimaryKey.Fingerprint) != want {
			continue
		}
		fingerprints := []string{hexFingerprint(entity.PrimaryKey.Fingerprint)}
		for _, subkey := range entity.Subkeys {
			fingerprints = append(fingerprints, hexFingerprint(subkey.PublicKey.Fingerprint))
		}
		return fingerprints, nil
	}
	return nil, fmt.Errorf("trust: key %s is not in the store", want)
}

// TrustedSet builds the allow-list for fingerprint: the full subkey
// expansion when it names a primary key in the store, or the fingerprint
// alone when it names a subkey directly. A fingerprint the store knows
// nothing about is an error; a signature from it could never validate.
func (s *Store) TrustedSet(fingerprint string) (*FingerprintSet, error) {
	if expanded, err := s.SubkeyFingerprints(fingerprint); err == nil {
		return NewFingerprintSet(expanded...), nil
	}
	want := NormalizeFingerprint(fingerprint)
	for _, entity := range s.keyring {
		for _, subkey := range entity.Subkeys {
			if hexFingerprint(subkey.PublicKey.Fingerprint) == want {
				return NewFingerprintSet(want), nil
			}
		}
	}
	return nil, fmt.Errorf("trust: key %s is not in the store", want)
}

// Verify checks a detached signature over signed against the trusted
// allow-list. It passes when at least one valid signature was produced by
// a key whose fingerprint is trusted.
//
// A valid signature from outside the allow-list, and a signature whose
// issuer the store does not hold, both fail with
// *UntrustedSignatureError naming the observed signers. Anything the
// verifier cannot make sense of fails with a plain error.
func (s *Store) Verify(signed, signature []byte, trusted *FingerprintSet) error {
	if trusted == nil || trusted.Len() == 0 {
		return fmt.Errorf("trust: trusted fingerprint set is empty")
	}

	signer, err := s.checkDetached(signed, signature)
	if errors.Is(err, pgperrors.ErrUnknownIssuer) {
		issuers, issuerErr := SignatureIssuers(signature)
		if issuerErr != nil {
			return fmt.Errorf("trust: verifying signature: %w", err)
		}
		return &UntrustedSignatureError{Signers: issuers}
	}
	if err != nil {
		return fmt.Errorf("trust: verifying signature: %w", err)
	}

	actual := entityFingerprints(signer)
	// Narrow to the issuer the signature names: the entity may hold
	// several keys and only one of them signed.
	if issuers, issuerErr := SignatureIssuers(signature); issuerErr == nil {
		var narrowed []string
		for _, fpr := range actual {
			for _, issuer := range issuers {
				if fpr == issuer || strings.HasSuffix(fpr, issuer) {
					narrowed = append(narrowed, fpr)
					break
				}
			}
		}
		if len(narrowed) > 0 {
			actual = narrowed
		}
	}

	for _, fpr := range actual {
		if trusted.Contains(fpr) {
			return nil
		}
	}
	return &UntrustedSignatureError{Signers: actual}
}

// checkDetached validates the signature against the keyring, accepting
// both armored and binary detached signatures.
func (s *Store) checkDetached(signed, signature []byte) (*openpgp.Entity, error) {
	signer, err := openpgp.CheckArmoredDetachedSignature(
		s.keyring, bytes.NewReader(signed), bytes.NewReader(signature), nil)
	if err != nil {
		signer, err = openpgp.CheckDetachedSignature(
			s.keyring, bytes.NewReader(signed), bytes.NewReader(signature), nil)
	}
	return signer, err
}

// SignatureIssuers lists the signers a detached signature claims: the
// issuer fingerprint of each signature packet, or the 16-digit key ID for
// signatures predating the fingerprint subpacket. The list is diagnostic,
// nothing about it is validated.
func SignatureIssuers(signature []byte) ([]string, error) {
	body, err := decodeSignature(signature)
	if err != nil {
		return nil, err
	}
	reader := packet.NewReader(bytes.NewReader(body))
	var issuers []string
	for {
		p, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("trust: reading signature packet: %w", err)
		}
		sig, ok := p.(*packet.Signature)
		if !ok {
			continue
		}
		switch {
		case len(sig.IssuerFingerprint) > 0:
			issuers = append(issuers, hexFingerprint(sig.IssuerFingerprint))
		case sig.IssuerKeyId != nil:
			issuers = append(issuers, fmt.Sprintf("%016X", *sig.IssuerKeyId))
		}
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("trust: no signature packets found")
	}
	return issuers, nil
}

// decodeSignature strips ASCII armor when present.
func decodeSignature(signature []byte) ([]byte, error) {
	if !bytes.HasPrefix(bytes.TrimSpace(signature), []byte("-----BEGIN PGP")) {
		return signature, nil
	}
	block, err := armor.Decode(bytes.NewReader(signature))
	if err != nil {
		return nil, fmt.Errorf("trust: decoding armored signature: %w", err)
	}
	body, err := io.ReadAll(block.Body)
	if err != nil {
		return nil, fmt.Errorf("trust: reading armored signature: %w", err)
	}
	return body, nil
}

// entityFingerprints lists every key fingerprint of entity, primary
// first.
func entityFingerprints(entity *openpgp.Entity) []string {
	fingerprints := []string{hexFingerprint(entity.PrimaryKey.Fingerprint)}
	for _, subkey := range entity.Subkeys {
		fingerprints = append(fingerprints, hexFingerprint(subkey.PublicKey.Fingerprint))
	}
	return fingerprints
}

// UntrustedSignatureError reports a signature whose signers have no
// overlap with the trusted fingerprint set. Signers lists the observed
// signer fingerprints (or key IDs when the signature carries no
// fingerprint) for operator diagnosis.
type UntrustedSignatureError struct {
	Signers []string
}

func (e *UntrustedSignatureError) Error() string {
	return fmt.Sprintf("trust: signature from untrusted keys: %s", strings.Join(e.Signers, ", "))
}

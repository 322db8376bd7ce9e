package atproto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"

	"github.com/klppl/atbridge/internal/model"
)

// jwkRSA is the subset of RFC 7517 fields needed to round-trip an RSA key
// pair (kty=RSA, private exponent d + public modulus n / exponent e).
type jwkRSA struct {
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	D   string `json:"d,omitempty"`
}

// jwkOKP is the RFC 8037 "OKP" (Ed25519) JWK shape.
type jwkOKP struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	D   string `json:"d,omitempty"`
}

func b64url(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func bytesToBigInt(b []byte) *big.Int { return new(big.Int).SetBytes(b) }

func big2Bytes(n int) []byte { return big.NewInt(int64(n)).Bytes() }

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// base58Encode implements base58btc (Bitcoin alphabet), the encoding
// multibase's 'z' prefix designates. Stdlib-only: no base58 library appears
// anywhere in the example pack, and the amount of code needed (one
// big.Int division loop plus leading-zero handling) doesn't justify
// pulling in a dependency for it.
func base58Encode(input []byte) string {
	zero := big.NewInt(0)
	base := big.NewInt(58)
	x := new(big.Int).SetBytes(input)

	var out []byte
	for x.Cmp(zero) > 0 {
		mod := new(big.Int)
		x.DivMod(x, base, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	for _, b := range input {
		if b != 0 {
			break
		}
		out = append(out, base58Alphabet[0])
	}
	// reverse
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// GenerateRSAKeyPair creates a fresh 2048-bit RSA key and returns its public
// and private halves JWK-encoded, ready for model.KeyPair storage.
func GenerateRSAKeyPair() (publicJWK, privateJWK string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", fmt.Errorf("generate RSA key: %w", err)
	}
	pub := jwkRSA{
		Kty: "RSA",
		N:   b64url(key.PublicKey.N.Bytes()),
		E:   b64url(big2Bytes(key.PublicKey.E)),
	}
	priv := pub
	priv.D = b64url(key.D.Bytes())

	pubBytes, err := json.Marshal(pub)
	if err != nil {
		return "", "", err
	}
	privBytes, err := json.Marshal(priv)
	if err != nil {
		return "", "", err
	}
	return string(pubBytes), string(privBytes), nil
}

// GenerateEd25519KeyPair creates a fresh Ed25519 key and returns its public
// and private halves JWK-encoded.
func GenerateEd25519KeyPair() (publicJWK, privateJWK string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ed25519 key: %w", err)
	}
	pubJWK := jwkOKP{Kty: "OKP", Crv: "Ed25519", X: b64url(pub)}
	privJWK := pubJWK
	privJWK.D = b64url(priv.Seed())

	pubBytes, err := json.Marshal(pubJWK)
	if err != nil {
		return "", "", err
	}
	privBytes, err := json.Marshal(privJWK)
	if err != nil {
		return "", "", err
	}
	return string(pubBytes), string(privBytes), nil
}

// RSAPrivateKeyFromJWK parses a private-key JWK produced by
// GenerateRSAKeyPair back into an *rsa.PrivateKey, for signing outbound
// HTTP requests.
func RSAPrivateKeyFromJWK(privateJWK string) (*rsa.PrivateKey, error) {
	var jwk jwkRSA
	if err := json.Unmarshal([]byte(privateJWK), &jwk); err != nil {
		return nil, fmt.Errorf("parse RSA JWK: %w", err)
	}
	n, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("decode n: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("decode e: %w", err)
	}
	d, err := base64.RawURLEncoding.DecodeString(jwk.D)
	if err != nil {
		return nil, fmt.Errorf("decode d: %w", err)
	}
	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{
			N: bytesToBigInt(n),
			E: int(bytesToBigInt(e).Int64()),
		},
		D: bytesToBigInt(d),
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid RSA key material: %w", err)
	}
	key.Precompute()
	return key, nil
}

// PublicKeyPEMFromJWK renders a public-key JWK as a PKIX PEM block, the
// format the actor document's publicKeyPem field requires.
func PublicKeyPEMFromJWK(publicJWK string) (string, error) {
	var jwk jwkRSA
	if err := json.Unmarshal([]byte(publicJWK), &jwk); err != nil {
		return "", fmt.Errorf("parse RSA JWK: %w", err)
	}
	n, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return "", fmt.Errorf("decode n: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return "", fmt.Errorf("decode e: %w", err)
	}
	pub := &rsa.PublicKey{N: bytesToBigInt(n), E: int(bytesToBigInt(e).Int64())}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Ed25519PublicKeyMultibase renders a public-key OKP JWK as a
// multibase/multicodec string (the "z6Mk..." shape used in
// AssertionMethod.PublicKeyMultibase).
func Ed25519PublicKeyMultibase(publicJWK string) (string, error) {
	var jwk jwkOKP
	if err := json.Unmarshal([]byte(publicJWK), &jwk); err != nil {
		return "", fmt.Errorf("parse OKP JWK: %w", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return "", fmt.Errorf("decode x: %w", err)
	}
	// multicodec prefix 0xed01 for Ed25519 public keys, then base58btc ('z').
	prefixed := append([]byte{0xed, 0x01}, raw...)
	return "z" + base58Encode(prefixed), nil
}

// KeyStore is the subset of Store that EnsureKeyPairs reads and writes.
type KeyStore interface {
	GetKeyPair(userDID string, algorithm model.Algorithm) (model.KeyPair, bool)
	UpsertKeyPair(kp model.KeyPair) error
}

// keyGenLocks holds one *sync.Mutex per userDID for EnsureKeyPairs.
var keyGenLocks sync.Map

// EnsureKeyPairs returns the RSA and Ed25519 KeyPair rows for userDID,
// generating and persisting whichever are missing. Calls for the same
// userDID are serialized by a per-identifier lock, so a second call
// observes the first write via GetKeyPair before ever calling
// GenerateRSAKeyPair/GenerateEd25519KeyPair.
func EnsureKeyPairs(store KeyStore, userDID string) (rsaKP, edKP model.KeyPair, err error) {
	mu, _ := keyGenLocks.LoadOrStore(userDID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	rsaKP, ok := store.GetKeyPair(userDID, model.AlgorithmRSA)
	if !ok {
		pub, priv, genErr := GenerateRSAKeyPair()
		if genErr != nil {
			return model.KeyPair{}, model.KeyPair{}, genErr
		}
		rsaKP = model.KeyPair{UserDID: userDID, Algorithm: model.AlgorithmRSA, PublicKey: pub, PrivateKey: priv}
		if err := store.UpsertKeyPair(rsaKP); err != nil {
			return model.KeyPair{}, model.KeyPair{}, err
		}
		// Re-read in case another process sharing the database won the
		// idempotent insert.
		rsaKP, _ = store.GetKeyPair(userDID, model.AlgorithmRSA)
	}

	edKP, ok = store.GetKeyPair(userDID, model.AlgorithmEd25519)
	if !ok {
		pub, priv, genErr := GenerateEd25519KeyPair()
		if genErr != nil {
			return model.KeyPair{}, model.KeyPair{}, genErr
		}
		edKP = model.KeyPair{UserDID: userDID, Algorithm: model.AlgorithmEd25519, PublicKey: pub, PrivateKey: priv}
		if err := store.UpsertKeyPair(edKP); err != nil {
			return model.KeyPair{}, model.KeyPair{}, err
		}
		edKP, _ = store.GetKeyPair(userDID, model.AlgorithmEd25519)
	}

	return rsaKP, edKP, nil
}

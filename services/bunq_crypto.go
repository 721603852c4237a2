package services

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

// Request signing for the bunq API: every signed request carries an
// RSA/SHA-256 signature over the exact body bytes, and responses are
// verified against the server public key exchanged during installation.

const bunqKeyBits = 2048

// GenerateBunqKeyPair creates a new 2048-bit RSA key pair, PEM-encoded
// (PKCS#8 private key, PKIX public key).
func GenerateBunqKeyPair() (privateKeyPEM, publicKeyPEM string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, bunqKeyBits)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate RSA key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode public key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return string(privPEM), string(pubPEM), nil
}

func parsePrivateKey(privateKeyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		return rsaKey, nil
	}

	// Keys generated by older deployments are PKCS#1.
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func parsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaKey, nil
}

// PublicKeyFromPrivate derives the PEM public key for a stored private key,
// used when replaying the installation handshake.
func PublicKeyFromPrivate(privateKeyPEM string) (string, error) {
	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", &BunqConfigurationError{Message: "bunq client private key is unreadable: " + err.Error()}
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})), nil
}

// SignRequestPayload signs the exact outgoing body bytes and returns the
// base64 signature for the X-Bunq-Client-Signature header.
func SignRequestPayload(privateKeyPEM string, payload []byte) (string, error) {
	if privateKeyPEM == "" {
		return "", &BunqConfigurationError{Message: "bunq client private key is required for signed requests"}
	}

	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", &BunqConfigurationError{Message: "bunq client private key is unreadable: " + err.Error()}
	}

	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyResponsePayloadSignature checks the server signature over the raw
// response body. Any byte mismatch fails verification.
func VerifyResponsePayloadSignature(publicKeyPEM string, payload []byte, signature string) bool {
	key, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(payload)
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig) == nil
}

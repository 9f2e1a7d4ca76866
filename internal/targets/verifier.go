package targets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	minisign "github.com/jedisct1/go-minisign"
)

// Verifier checks catalog files signed with Minisign.
type Verifier struct {
	publicKey minisign.PublicKey
}

// NewVerifier accepts either the two-line .pub file contents or a path to it.
func NewVerifier(pubKey string) (*Verifier, error) {
	pubKey = strings.TrimSpace(pubKey)
	if pubKey == "" {
		return nil, errors.New("minisign public key is required")
	}
	if !strings.Contains(pubKey, "\n") {
		data, err := os.ReadFile(pubKey)
		if err != nil {
			return nil, fmt.Errorf("read minisign public key %q: %w", pubKey, err)
		}
		pubKey = strings.TrimSpace(string(data))
	}
	publicKey, err := minisign.DecodePublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("parse minisign public key: %w", err)
	}
	return &Verifier{publicKey: publicKey}, nil
}

func (v *Verifier) Verify(ctx context.Context, data []byte, signaturePath string) error {
	if v == nil {
		return errors.New("signature verifier not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := os.ReadFile(signaturePath)
	if err != nil {
		return fmt.Errorf("read signature %q: %w", signaturePath, err)
	}
	signature, err := minisign.DecodeSignature(string(raw))
	if err != nil {
		return fmt.Errorf("decode signature %q: %w", signaturePath, err)
	}
	ok, err := v.publicKey.Verify(data, signature)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("signature verification failed")
	}
	return nil
}

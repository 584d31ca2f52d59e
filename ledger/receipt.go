package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrReceiptUnsigned is returned when verification is requested for a
// receipt without a token.
var ErrReceiptUnsigned = errors.New("receipt carries no token")

// receiptClaims is the JWS payload the ledger signs over a receipt.
type receiptClaims struct {
	Resource string `json:"res"`
	Amount   int64  `json:"amt"`
	TxID     string `json:"tx"`
	jwt.RegisteredClaims
}

// Verifier checks ledger receipt signatures. The zero value is unusable;
// construct with NewVerifier or NewJWKSVerifier. A nil *Verifier skips
// verification, so callers can treat it as optional.
type Verifier struct {
	keyfunc jwt.Keyfunc
	issuer  string
	leeway  time.Duration
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithIssuer requires the receipt's iss claim to match.
func WithIssuer(iss string) VerifierOption {
	return func(v *Verifier) { v.issuer = iss }
}

// WithLeeway tolerates clock skew when validating time claims.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.leeway = d }
}

// NewVerifier builds a Verifier around an existing key resolver.
func NewVerifier(kf jwt.Keyfunc, opts ...VerifierOption) *Verifier {
	v := &Verifier{keyfunc: kf}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// NewJWKSVerifier builds a Verifier whose keys auto-refresh from the
// ledger's published JWKS endpoint.
func NewJWKSVerifier(ctx context.Context, jwksURL string, opts ...VerifierOption) (*Verifier, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return NewVerifier(kf.Keyfunc, opts...), nil
}

// Verify checks r.Token's signature and that its claims match the receipt
// body. A nil receiver is a no-op so verification stays optional.
func (v *Verifier) Verify(r *Receipt) error {
	if v == nil {
		return nil
	}
	if r.Token == "" {
		return ErrReceiptUnsigned
	}
	parserOpts := []jwt.ParserOption{jwt.WithIssuedAt()}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(v.leeway))
	}

	var claims receiptClaims
	if _, err := jwt.ParseWithClaims(r.Token, &claims, v.keyfunc, parserOpts...); err != nil {
		return fmt.Errorf("receipt signature: %w", err)
	}
	if claims.Subject != r.User {
		return fmt.Errorf("receipt user mismatch: token %q, receipt %q", claims.Subject, r.User)
	}
	if claims.Resource != r.ResourceID {
		return fmt.Errorf("receipt resource mismatch: token %q, receipt %q", claims.Resource, r.ResourceID)
	}
	if claims.TxID != r.TxID {
		return fmt.Errorf("receipt tx mismatch: token %q, receipt %q", claims.TxID, r.TxID)
	}
	if claims.Amount != r.Amount {
		return fmt.Errorf("receipt amount mismatch: token %d, receipt %d", claims.Amount, r.Amount)
	}
	return nil
}

package payment

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

const skyfireAPIVersion = "2"

type SkyfireConfig struct {
	APIKey    string
	ServiceID string
	Audience  string
	Issuer    string
	JWKSURL   string
	ChargeURL string
}

// SkyfireVerifier treats the transaction id of a settlement as a Skyfire
// payment token: the token is verified against the published JWKS and then
// charged through the tokens API.
type SkyfireVerifier struct {
	cfg    SkyfireConfig
	client *http.Client
	logger *zap.Logger
}

var _ Verifier = (*SkyfireVerifier)(nil)

func NewSkyfireVerifier(cfg SkyfireConfig, client *http.Client, logger *zap.Logger) *SkyfireVerifier {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	cfg.Issuer = strings.TrimRight(cfg.Issuer, "/")
	return &SkyfireVerifier{cfg: cfg, client: client, logger: logger}
}

func (v *SkyfireVerifier) configured() bool {
	return v.cfg.APIKey != "" && v.cfg.ServiceID != ""
}

// Ready reports whether payments can be requested at all.
func (v *SkyfireVerifier) Ready() error {
	if !v.configured() {
		return fmt.Errorf("%w: skyfire seller credentials are not configured", ErrUnavailable)
	}
	return nil
}

func (v *SkyfireVerifier) Verify(ctx context.Context, s Settlement) error {
	if err := v.Ready(); err != nil {
		return err
	}
	if s.TransactionID == "" {
		return fmt.Errorf("%w: empty payment token", ErrRejected)
	}
	if !s.Amount.IsPositive() {
		return fmt.Errorf("%w: charge amount must be positive", ErrRejected)
	}

	if err := v.verifyToken(ctx, s.TransactionID); err != nil {
		return err
	}
	return v.charge(ctx, s.TransactionID, s.Amount.String())
}

func (v *SkyfireVerifier) verifyToken(ctx context.Context, token string) error {
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return fmt.Errorf("%w: malformed token: %v", ErrRejected, err)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return fmt.Errorf("%w: token header missing kid", ErrRejected)
	}

	keys, err := v.fetchJWKS(ctx)
	if err != nil {
		return err
	}
	key, ok := keys[kid]
	if !ok {
		return fmt.Errorf("%w: no signing key with kid %q", ErrRejected, kid)
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	if !claims.VerifyIssuer(v.cfg.Issuer, true) {
		return fmt.Errorf("%w: unexpected issuer", ErrRejected)
	}
	if !claims.VerifyAudience(v.cfg.Audience, v.cfg.Audience != "") {
		return fmt.Errorf("%w: unexpected audience", ErrRejected)
	}
	if ssi, _ := claims["ssi"].(string); ssi != v.cfg.ServiceID {
		return fmt.Errorf("%w: token is not issued for service %s", ErrRejected, v.cfg.ServiceID)
	}
	return nil
}

type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (v *SkyfireVerifier) fetchJWKS(ctx context.Context) (map[string]*ecdsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build jwks request: %v", ErrUnavailable, err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch jwks: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch jwks: status %d", ErrUnavailable, resp.StatusCode)
	}

	var set struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("%w: decode jwks: %v", ErrUnavailable, err)
	}

	keys := make(map[string]*ecdsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		pub, err := k.ecdsa()
		if err != nil {
			v.logger.Warn("Skipping unusable JWK", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func (k jwk) ecdsa() (*ecdsa.PublicKey, error) {
	if k.Kty != "EC" || k.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported key type %s/%s", k.Kty, k.Crv)
	}
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	y, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}
	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, fmt.Errorf("point is not on curve")
	}
	return pub, nil
}

func (v *SkyfireVerifier) charge(ctx context.Context, token, amount string) error {
	body, err := json.Marshal(map[string]string{"token": token, "chargeAmount": amount})
	if err != nil {
		return fmt.Errorf("%w: encode charge: %v", ErrUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.ChargeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build charge request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("skyfire-api-key", v.cfg.APIKey)
	req.Header.Set("skyfire-api-version", skyfireAPIVersion)

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: charge: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 500))

	v.logger.Info("Skyfire charge API responded",
		zap.Int("status", resp.StatusCode),
		zap.ByteString("body", snippet),
	)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: charge declined with status %d", ErrRejected, resp.StatusCode)
	default:
		return fmt.Errorf("%w: charge failed with status %d", ErrUnavailable, resp.StatusCode)
	}
}

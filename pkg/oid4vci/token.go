package oid4vci

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/exchange"
)

// Lifetimes of exchange-scoped OID4VCI artifacts. Everything dies with the
// exchange regardless.
const (
	AccessTokenTTL = 15 * time.Minute
	NonceTTL       = 15 * time.Minute
)

// TokenRequest is the decoded body of the token endpoint.
type TokenRequest struct {
	GrantType         string
	PreAuthorizedCode string
	Code              string
	UserPin           string
}

// TokenResponse is the token endpoint's success body.
type TokenResponse struct {
	AccessToken     string `json:"access_token"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int64  `json:"expires_in"`
	CNonce          string `json:"c_nonce,omitempty"`
	CNonceExpiresIn int64  `json:"c_nonce_expires_in,omitempty"`
}

// Token validates the grant and mints an access token scoped to this
// exchange. The pre-authorized code is single-use; a second redemption fails
// even when the presented code matches.
func (s *Service) Token(ctx context.Context, ex *exchange.Exchange, req *TokenRequest) (*TokenResponse, error) {
	if ex.OpenID == nil {
		return nil, protocolError(ErrInvalidRequest,
			"exchange does not support OID4VCI", nil)
	}

	var presented string
	switch req.GrantType {
	case PreAuthorizedGrantType:
		presented = req.PreAuthorizedCode
	case AuthorizationCodeGrantType:
		presented = req.Code
	default:
		return nil, protocolError(ErrUnsupportedGrantType,
			fmt.Sprintf("grant type %q is not supported", req.GrantType), nil)
	}
	if presented == "" {
		return nil, protocolError(ErrInvalidGrant, "missing grant code", nil)
	}

	token, err := s.signAccessToken(ex)
	if err != nil {
		return nil, err
	}
	nonce := uuid.NewString()
	now := s.engine.Clock().Now()

	committed, err := s.engine.Commit(ctx, ex, func(e *exchange.Exchange) error {
		openID := e.OpenID
		if openID == nil || openID.PreAuthorizedCode == "" {
			return protocolError(ErrInvalidGrant, "exchange has no grant code", nil)
		}
		if presented != openID.PreAuthorizedCode {
			return protocolError(ErrInvalidGrant, "grant code does not match", nil)
		}
		if openID.UserPin != "" && req.UserPin != openID.UserPin {
			return protocolError(ErrInvalidGrant, "user pin does not match", nil)
		}
		if openID.PreAuthorizedCodeUsed {
			return &ProtocolError{
				Code:        ErrInvalidGrant,
				Description: "grant code already redeemed",
				Status:      http.StatusForbidden,
				cause:       errors.NewNotAllowedError("pre-authorized code already redeemed", nil),
			}
		}
		openID.PreAuthorizedCodeUsed = true
		openID.AccessTokens = append(openID.AccessTokens, tokenDigest(token))
		openID.Nonce = nonce
		openID.NonceExpires = now.Add(NonceTTL)
		return nil
	})
	if err != nil {
		return nil, err
	}
	*ex = *committed

	return &TokenResponse{
		AccessToken:     token,
		TokenType:       "bearer",
		ExpiresIn:       int64(AccessTokenTTL.Seconds()),
		CNonce:          nonce,
		CNonceExpiresIn: int64(NonceTTL.Seconds()),
	}, nil
}

// NonceResponse is the nonce endpoint's body.
type NonceResponse struct {
	Nonce          string `json:"nonce"`
	NonceExpiresIn int64  `json:"nonce_expires_in"`
}

// Nonce mints a fresh c_nonce for the exchange, replacing any previous one.
func (s *Service) Nonce(ctx context.Context, ex *exchange.Exchange) (*NonceResponse, error) {
	if ex.OpenID == nil {
		return nil, protocolError(ErrInvalidRequest,
			"exchange does not support OID4VCI", nil)
	}
	nonce := uuid.NewString()
	now := s.engine.Clock().Now()
	committed, err := s.engine.Commit(ctx, ex, func(e *exchange.Exchange) error {
		if e.OpenID == nil {
			return protocolError(ErrInvalidRequest, "exchange does not support OID4VCI", nil)
		}
		e.OpenID.Nonce = nonce
		e.OpenID.NonceExpires = now.Add(NonceTTL)
		return nil
	})
	if err != nil {
		return nil, err
	}
	*ex = *committed
	return &NonceResponse{
		Nonce:          nonce,
		NonceExpiresIn: int64(NonceTTL.Seconds()),
	}, nil
}

// refreshNonce mints a fresh c_nonce for a failed-proof response.
func (s *Service) refreshNonce(ctx context.Context, ex *exchange.Exchange) (string, error) {
	response, err := s.Nonce(ctx, ex)
	if err != nil {
		return "", err
	}
	return response.Nonce, nil
}

func (s *Service) signAccessToken(ex *exchange.Exchange) (string, error) {
	key, err := exchangePrivateKey(ex)
	if err != nil {
		return "", err
	}
	now := s.engine.Clock().Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    ex.ID,
		Subject:   ex.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	if err != nil {
		return "", errors.NewDataError("failed to sign access token", err)
	}
	return signed, nil
}

// VerifyAccessToken checks a bearer token against the exchange: signature by
// the exchange key, subject binding, expiry, and membership in the minted
// token list.
func (s *Service) VerifyAccessToken(ex *exchange.Exchange, token string) error {
	if ex.OpenID == nil {
		return errors.NewNotAllowedError("exchange does not support OID4VCI", nil)
	}
	public, err := exchangePublicKey(ex)
	if err != nil {
		return err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(s.engine.Clock().Now),
	)
	var claims jwt.RegisteredClaims
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return public, nil
	}); err != nil {
		return errors.NewNotAllowedError("invalid access token", err)
	}
	if claims.Subject != ex.ID {
		return errors.NewNotAllowedError("access token is not scoped to this exchange", nil)
	}

	digest := tokenDigest(token)
	for _, minted := range ex.OpenID.AccessTokens {
		if minted == digest {
			return nil
		}
	}
	return errors.NewNotAllowedError("access token was not minted for this exchange", nil)
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func exchangePrivateKey(ex *exchange.Exchange) (ed25519.PrivateKey, error) {
	pair := keyPair(ex)
	if pair == nil || pair.PrivateKeyJWK == nil {
		return nil, errors.NewDataError("exchange has no signing key", nil)
	}
	var key ed25519.PrivateKey
	if err := importJWK(pair.PrivateKeyJWK, &key); err != nil {
		return nil, err
	}
	return key, nil
}

func exchangePublicKey(ex *exchange.Exchange) (ed25519.PublicKey, error) {
	pair := keyPair(ex)
	if pair == nil {
		return nil, errors.NewDataError("exchange has no signing key", nil)
	}
	if pair.PublicKeyJWK != nil {
		var key ed25519.PublicKey
		if err := importJWK(pair.PublicKeyJWK, &key); err != nil {
			return nil, err
		}
		return key, nil
	}
	private, err := exchangePrivateKey(ex)
	if err != nil {
		return nil, err
	}
	return private.Public().(ed25519.PublicKey), nil
}

func keyPair(ex *exchange.Exchange) *exchange.KeyPair {
	if ex.OpenID == nil || ex.OpenID.OAuth2 == nil {
		return nil
	}
	return ex.OpenID.OAuth2.KeyPair
}

func importJWK(jwkMap map[string]any, out any) error {
	raw, err := json.Marshal(jwkMap)
	if err != nil {
		return errors.NewDataError("failed to encode exchange key", err)
	}
	key, err := jwk.ParseKey(raw)
	if err != nil {
		return errors.NewDataError("failed to parse exchange key", err)
	}
	if err := jwk.Export(key, out); err != nil {
		return errors.NewDataError("failed to materialize exchange key", err)
	}
	return nil
}

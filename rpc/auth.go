package rpc

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig describes the two accepted credentials for funder mutations: a
// static bearer token compared in constant time, and HS256 JWTs carrying the
// write scope. Either may be configured; when both are, either one admits the
// request. With neither configured every mutation is rejected.
type AuthConfig struct {
	Token       string
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	WriteScope  string
	ClockSkew   time.Duration
}

type authenticator struct {
	token      string
	secret     []byte
	issuer     string
	audience   string
	writeScope string
	skew       time.Duration
}

func newAuthenticator(cfg AuthConfig) *authenticator {
	scope := strings.TrimSpace(cfg.WriteScope)
	if scope == "" {
		scope = "refund:write"
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &authenticator{
		token:      strings.TrimSpace(cfg.Token),
		secret:     []byte(strings.TrimSpace(cfg.JWTSecret)),
		issuer:     strings.TrimSpace(cfg.JWTIssuer),
		audience:   strings.TrimSpace(cfg.JWTAudience),
		writeScope: scope,
		skew:       skew,
	}
}

func (a *authenticator) enabled() bool {
	return a.token != "" || len(a.secret) > 0
}

func (a *authenticator) authorize(r *http.Request) *RPCError {
	if !a.enabled() {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication not configured"}
	}
	raw := extractBearer(r.Header.Get("Authorization"))
	if raw == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if a.token != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(a.token)) == 1 {
		return nil
	}
	if len(a.secret) > 0 {
		claims, err := a.parseToken(raw)
		if err == nil {
			if err := a.validateClaims(claims); err == nil {
				if hasScope(extractScopes(claims), a.writeScope) {
					return nil
				}
				return &RPCError{Code: codeUnauthorized, Message: "insufficient scope", Data: a.writeScope}
			}
		}
	}
	return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
}

func (a *authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.skew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func (a *authenticator) validateClaims(claims jwt.MapClaims) error {
	if a.issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != a.issuer {
			return errors.New("issuer mismatch")
		}
	}
	if a.audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != a.audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == a.audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		default:
			return errors.New("audience missing")
		}
	}
	return nil
}

func extractScopes(claims jwt.MapClaims) []string {
	raw, ok := claims["scope"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		return strings.Fields(trimmed)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScope(scopes []string, required string) bool {
	for _, scope := range scopes {
		if scope == required {
			return true
		}
	}
	return false
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

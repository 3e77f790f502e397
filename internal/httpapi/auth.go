package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"
)

const tokenAudience = "relayhighlight"

const (
	scopeHighlightsRead  = "highlights:read"
	scopeHighlightsWrite = "highlights:write"
	scopeSyncTrigger     = "sync:trigger"
	scopeAdminRead       = "admin:read"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

// tokenClaims identifies one capture client or operator. Rate limits are
// keyed by ClientID.
type tokenClaims struct {
	ClientID string
	Scopes   map[string]struct{}
	Exp      int64
}

type jwtHeader struct {
	Alg string `json:"alg"`
}

// jwtPayload keeps aud and scopes raw: both may be a string or a list.
type jwtPayload struct {
	ClientID string          `json:"client_id"`
	Exp      json.Number     `json:"exp"`
	Audience json.RawMessage `json:"aud"`
	Scopes   json.RawMessage `json:"scopes"`
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope == "" {
		return claims, nil
	}
	if _, ok := claims.Scopes[requiredScope]; !ok {
		return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

// parseBearer verifies an HS256 token and its client_id, exp, aud and scopes
// claims.
func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}

	var header jwtHeader
	if !decodeSegment(parts[0], &header) {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	if !hmac.Equal(signature, signHS256(jwtSecret, parts[0]+"."+parts[1])) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var payload jwtPayload
	if !decodeSegment(parts[1], &payload) {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	clientID := strings.TrimSpace(payload.ClientID)
	if clientID == "" {
		return tokenClaims{}, unauthorized("missing client_id claim")
	}
	exp, err := payload.Exp.Int64()
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if !slices.Contains(stringOrList(payload.Audience), tokenAudience) {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}

	scopes := map[string]struct{}{}
	for _, scope := range stringOrList(payload.Scopes) {
		scopes[scope] = struct{}{}
	}
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	return tokenClaims{ClientID: clientID, Scopes: scopes, Exp: exp}, nil
}

func decodeSegment(segment string, dst any) bool {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func signHS256(secret, signingInput string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

// stringOrList reads a claim that is either a JSON list of strings or one
// space separated string.
func stringOrList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		out := list[:0]
		for _, item := range list {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out
	}
	var single string
	if json.Unmarshal(raw, &single) == nil {
		return strings.Fields(single)
	}
	return nil
}

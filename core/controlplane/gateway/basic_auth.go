package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// #nosec G101 -- protocol label, not a credential.
const wsAPIKeyProtocol = "ragops-api-key"

var (
	errMissingKey = errors.New("api key required")
	errInvalidKey = errors.New("invalid api key")
)

type apiKeyEntry struct {
	Key  string `json:"key"`
	Role string `json:"role"`
}

type keyRecord struct {
	key       []byte
	role      Role
	principal string
}

// APIKeyAuth authenticates X-API-Key or bearer tokens against a static
// key list. With no keys configured every caller is an anonymous admin.
type APIKeyAuth struct {
	keys []keyRecord
}

// NewAPIKeyAuth parses raw as a comma separated "role:key" list or a JSON
// array of {"key","role"} objects. A bare key is granted admin.
func NewAPIKeyAuth(raw string) (*APIKeyAuth, error) {
	entries, err := parseAPIKeys(raw)
	if err != nil {
		return nil, err
	}
	a := &APIKeyAuth{}
	for _, e := range entries {
		key := normalizeAPIKey(e.Key)
		if key == "" {
			continue
		}
		role := RoleAdmin
		if strings.TrimSpace(e.Role) != "" {
			role = normalizeRole(e.Role)
			if role == RolePublic {
				return nil, fmt.Errorf("api key entry has unknown role %q", e.Role)
			}
		}
		a.keys = append(a.keys, keyRecord{key: []byte(key), role: role, principal: principalFor(key)})
	}
	return a, nil
}

func (a *APIKeyAuth) Enabled() bool { return a != nil && len(a.keys) > 0 }

func (a *APIKeyAuth) AuthenticateHTTP(r *http.Request) (*AuthContext, error) {
	if r == nil {
		return nil, errors.New("request required")
	}
	key := apiKeyFromRequest(r)
	if !a.Enabled() {
		return &AuthContext{PrincipalID: "anonymous", Role: RoleAdmin, Anonymous: true}, nil
	}
	if key == "" {
		return nil, errMissingKey
	}
	for _, rec := range a.keys {
		if subtle.ConstantTimeCompare(rec.key, []byte(key)) == 1 {
			return &AuthContext{PrincipalID: rec.principal, Role: rec.role}, nil
		}
	}
	return nil, errInvalidKey
}

func apiKeyFromRequest(r *http.Request) string {
	if key := normalizeAPIKey(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return normalizeAPIKey(authz[7:])
	}
	if websocket.IsWebSocketUpgrade(r) {
		return normalizeAPIKey(apiKeyFromWebSocket(r))
	}
	return ""
}

func normalizeAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	// Common .env mistake: quoting values (e.g. "super-secret-key").
	key = strings.Trim(key, "\"'")
	return strings.TrimSpace(key)
}

// apiKeyFromWebSocket reads the key browsers pass as a subprotocol, either
// as "ragops-api-key, <key>" or "ragops-api-key.<key>".
func apiKeyFromWebSocket(r *http.Request) string {
	protocols := websocket.Subprotocols(r)
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSAPIKey(protocols[i+1])
		}
		prefix := wsAPIKeyProtocol + "."
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSAPIKey(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}

func principalFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key-" + hex.EncodeToString(sum[:4])
}

func parseAPIKeys(raw string) ([]apiKeyEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var entries []apiKeyEntry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("parse RAGOPS_API_KEYS: %w", err)
		}
		return entries, nil
	}
	parts := strings.Split(raw, ",")
	entries := make([]apiKeyEntry, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		entry := apiKeyEntry{}
		if role, key, ok := strings.Cut(part, ":"); ok {
			entry.Role = strings.TrimSpace(role)
			entry.Key = strings.TrimSpace(key)
		} else {
			entry.Key = part
		}
		if entry.Key != "" {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

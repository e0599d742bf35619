package core

import (
	"crypto/sha256"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"pushpipe/internal/types"
)

const APIKeyHeader = "X-API-Key"

// APIKeyVerifier checks keys against configured bcrypt hashes. Keys that
// verified once are remembered by their SHA-256 so bcrypt runs once per key.
type APIKeyVerifier struct {
	hashes [][]byte

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]string
}

func NewAPIKeyVerifier(hashes []string) *APIKeyVerifier {
	v := &APIKeyVerifier{verified: make(map[[sha256.Size]byte]string)}
	for _, h := range hashes {
		if h = strings.TrimSpace(h); h != "" {
			v.hashes = append(v.hashes, []byte(h))
		}
	}
	return v
}

// Enabled reports whether any key hashes are configured.
func (v *APIKeyVerifier) Enabled() bool {
	return v != nil && len(v.hashes) > 0
}

// Verify returns the label of the matching key ("key-<n>", 1 based).
func (v *APIKeyVerifier) Verify(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(key))

	v.mu.RLock()
	label, ok := v.verified[sum]
	v.mu.RUnlock()
	if ok {
		return label, true
	}

	for i, h := range v.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			label = "key-" + strconv.Itoa(i+1)
			v.mu.Lock()
			v.verified[sum] = label
			v.mu.Unlock()
			return label, true
		}
	}
	return "", false
}

// APIKeyMiddleware requires a valid key in X-API-Key or an Authorization
// Bearer header. With no hashes configured every request passes.
func (s *Server) APIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.APIKeys.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			key = extractBearerToken(r.Header.Get("Authorization"))
		}
		if key == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "missing API key", nil))
			return
		}
		label, ok := s.APIKeys.Verify(key)
		if !ok {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid API key", nil))
			return
		}
		next.ServeHTTP(w, r.WithContext(types.WithAPIClient(r.Context(), label)))
	})
}

func extractBearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

package adapters

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/stackmerce/billing/internal/payment/domain"
)

// Registry holds the configured payment rails keyed by provider name.
type Registry struct {
	providers map[string]domain.Provider
}

func NewRegistry(providers ...domain.Provider) *Registry {
	registry := &Registry{providers: make(map[string]domain.Provider, len(providers))}
	for _, provider := range providers {
		registry.providers[strings.ToLower(provider.Name())] = provider
	}
	return registry
}

// Lookup returns the provider registered under name.
func (r *Registry) Lookup(name string) (domain.Provider, bool) {
	provider, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	return provider, ok
}

// SignPayload computes the hex HMAC-SHA256 signature both simulated rails
// attach to their webhooks.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature in constant time.
func VerifySignature(secret string, payload []byte, signature string) bool {
	expected := SignPayload(secret, payload)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

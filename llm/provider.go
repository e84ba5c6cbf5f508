package llm

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// Provider translates between the client's chat messages and one vendor's
// HTTP API. Adapters register themselves from init in package providers.
type Provider interface {
	// Name is the value endpoints use in their "provider" field.
	Name() string

	BuildURL(baseURL string) string

	SetHeaders(req *http.Request)

	// BuildRequestBody must send an explicit zero temperature; nil means the
	// endpoint default.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse decodes a 200 reply. requested is the configured model
	// name, used when the reply does not echo one.
	ParseResponse(body []byte, requested string) (*Response, error)
}

var providers = struct {
	sync.RWMutex
	byName map[string]Provider
}{byName: make(map[string]Provider)}

// RegisterProvider makes p available to endpoints naming it. Registering a
// second provider under the same name panics.
func RegisterProvider(p Provider) {
	providers.Lock()
	defer providers.Unlock()
	if _, dup := providers.byName[p.Name()]; dup {
		panic(fmt.Sprintf("llm: provider %q registered twice", p.Name()))
	}
	providers.byName[p.Name()] = p
}

// GetProvider returns the provider registered under name, or nil.
func GetProvider(name string) Provider {
	providers.RLock()
	defer providers.RUnlock()
	return providers.byName[name]
}

// ListProviders returns the registered provider names in sorted order.
func ListProviders() []string {
	providers.RLock()
	defer providers.RUnlock()
	names := make([]string, 0, len(providers.byName))
	for name := range providers.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

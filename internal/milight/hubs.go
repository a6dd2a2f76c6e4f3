package milight

import (
	"strings"
	"sync"
	"time"
)

// Hubs hands out one Client per hub base URL. It is owned by the
// application's composition root and injected where clients are needed.
type Hubs struct {
	mu             sync.Mutex
	clients        map[string]*Client
	defaultURL     string
	defaultTimeout time.Duration
}

// NewHubs creates a hub registry. Empty URLs passed to Get resolve to defaultURL.
func NewHubs(defaultURL string, timeout time.Duration) *Hubs {
	if defaultURL == "" {
		defaultURL = DefaultHubURL
	}
	return &Hubs{
		clients:        make(map[string]*Client),
		defaultURL:     strings.TrimSuffix(defaultURL, "/"),
		defaultTimeout: timeout,
	}
}

// Default returns the client for the default hub.
func (h *Hubs) Default() *Client {
	return h.Get("")
}

// Get returns the client for baseURL, creating it on first use.
func (h *Hubs) Get(baseURL string) *Client {
	key := strings.TrimSuffix(baseURL, "/")
	if key == "" {
		key = h.defaultURL
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[key]; ok {
		return c
	}
	c := NewClient(key, h.defaultTimeout)
	h.clients[key] = c
	return c
}

// Close closes every client handed out so far.
func (h *Hubs) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.clients {
		c.Close()
	}
}

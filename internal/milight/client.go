package milight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultHubURL is used when no hub address is configured.
const DefaultHubURL = "http://milight-hub.local"

// DefaultTimeout bounds every hub request unless configured otherwise.
const DefaultTimeout = 30 * time.Second

// queueableCommands are sent as {"command": key} instead of {key: value};
// the hub runs them as discrete queued actions.
var queueableCommands = map[string]bool{
	"set_white": true,
}

// Client talks to one Milight Hub REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new hub client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultHubURL
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// BaseURL returns the hub address
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) url(path string) string {
	return c.baseURL + "/" + path
}

// do issues a request and returns the response body of a successful call.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHubUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrHubUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s %s returned %d: %s",
			ErrHubProtocol, method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return data, nil
}

// decodeObject decodes a JSON object body. Empty bodies and non-objects are
// protocol errors.
func decodeObject(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty response body", ErrHubProtocol)
	}
	if trimmed[0] != '{' {
		return fmt.Errorf("%w: expected JSON object, got %q", ErrHubProtocol, abbreviate(trimmed))
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %v", ErrHubProtocol, err)
	}
	return nil
}

// FetchState reads the current state of a device.
func (c *Client) FetchState(ctx context.Context, id Identity) (DeviceState, error) {
	data, err := c.do(ctx, http.MethodGet, id.path(), nil)
	if err != nil {
		return DeviceState{}, err
	}

	var raw rawState
	if err := decodeObject(data, &raw); err != nil {
		return DeviceState{}, err
	}

	return parseState(raw), nil
}

// SendCommand applies a single property or command to a device and returns
// the state the hub reports afterwards.
func (c *Client) SendCommand(ctx context.Context, id Identity, key string, value any) (DeviceState, error) {
	if key == "" {
		return DeviceState{}, fmt.Errorf("%w: empty command key", ErrInvalidArgument)
	}

	command := map[string]any{key: value}
	if queueableCommands[key] {
		command = map[string]any{"command": key}
	}

	data, err := c.do(ctx, http.MethodPut, id.path(), command)
	if err != nil {
		return DeviceState{}, err
	}

	var raw rawState
	if err := decodeObject(data, &raw); err != nil {
		return DeviceState{}, err
	}

	log.Debug().
		Str("device", id.Identifier()).
		Interface("command", command).
		Msg("Hub command sent")

	return parseState(raw), nil
}

// About returns hub identification.
func (c *Client) About(ctx context.Context) (*About, error) {
	data, err := c.do(ctx, http.MethodGet, "about", nil)
	if err != nil {
		return nil, err
	}

	var about About
	if err := decodeObject(data, &about); err != nil {
		return nil, err
	}
	return &about, nil
}

// Aliases returns the devices named in the hub's group_id_aliases setting.
// Entries that do not describe a supported device are skipped.
func (c *Client) Aliases(ctx context.Context) ([]Alias, error) {
	data, err := c.do(ctx, http.MethodGet, "settings", nil)
	if err != nil {
		return nil, err
	}

	var settings struct {
		GroupIDAliases map[string][]any `json:"group_id_aliases"`
	}
	if err := decodeObject(data, &settings); err != nil {
		return nil, err
	}

	aliases := make([]Alias, 0, len(settings.GroupIDAliases))
	for name, params := range settings.GroupIDAliases {
		identity, err := aliasIdentity(params)
		if err != nil {
			log.Warn().Err(err).Str("alias", name).Msg("Skipping hub alias")
			continue
		}
		aliases = append(aliases, Alias{Name: name, Identity: identity})
	}
	sort.Slice(aliases, func(i, j int) bool { return aliases[i].Name < aliases[j].Name })

	return aliases, nil
}

func aliasIdentity(params []any) (Identity, error) {
	if len(params) != 3 {
		return Identity{}, fmt.Errorf("%w: expected [type, id, group], got %d fields", ErrInvalidArgument, len(params))
	}
	remoteType, ok := params[0].(string)
	if !ok {
		return Identity{}, fmt.Errorf("%w: remote type is not a string", ErrInvalidArgument)
	}
	return NewIdentity(remoteType, scalarString(params[1]), scalarString(params[2]))
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func abbreviate(b []byte) string {
	if len(b) > 32 {
		return string(b[:32]) + "..."
	}
	return string(b)
}

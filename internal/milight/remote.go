package milight

import (
	"fmt"
	"net/url"
	"strings"
)

// RemoteType identifies a Milight bulb family as the hub names it.
type RemoteType string

// Supported remote types.
const (
	RemoteRGBW   RemoteType = "rgbw"
	RemoteRGBCCT RemoteType = "rgb_cct"
	RemoteRGB    RemoteType = "rgb"
	RemoteCCT    RemoteType = "cct"
	RemoteFUT089 RemoteType = "fut089"
	RemoteFUT091 RemoteType = "fut091"
	RemoteFUT020 RemoteType = "fut020"
)

// Capabilities describes which properties a remote type can drive.
type Capabilities struct {
	Color            bool
	WhiteTemperature bool
}

var remoteCapabilities = map[RemoteType]Capabilities{
	RemoteRGBW:   {Color: true, WhiteTemperature: true},
	RemoteRGBCCT: {Color: true, WhiteTemperature: true},
	RemoteFUT089: {Color: true, WhiteTemperature: true},
	RemoteRGB:    {Color: true},
	RemoteFUT020: {Color: true},
	RemoteCCT:    {WhiteTemperature: true},
	RemoteFUT091: {WhiteTemperature: true},
}

// ParseRemoteType validates a remote type name.
func ParseRemoteType(s string) (RemoteType, error) {
	t := RemoteType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := remoteCapabilities[t]; !ok {
		return "", fmt.Errorf("%w: unsupported remote type %q", ErrInvalidArgument, s)
	}
	return t, nil
}

// Capabilities returns the capability flags of the remote type.
// Unknown types have no capabilities.
func (t RemoteType) Capabilities() Capabilities {
	return remoteCapabilities[t]
}

// Valid reports whether t is a supported remote type.
func (t RemoteType) Valid() bool {
	_, ok := remoteCapabilities[t]
	return ok
}

// Identity uniquely addresses a bulb or group on a hub.
type Identity struct {
	Type     RemoteType
	DeviceID string
	Group    string
}

// NewIdentity validates and builds an Identity. An empty group means group 0.
func NewIdentity(remoteType, deviceID, group string) (Identity, error) {
	t, err := ParseRemoteType(remoteType)
	if err != nil {
		return Identity{}, err
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return Identity{}, fmt.Errorf("%w: missing device id", ErrInvalidArgument)
	}
	group = strings.TrimSpace(group)
	if group == "" {
		group = "0"
	}
	return Identity{Type: t, DeviceID: deviceID, Group: group}, nil
}

// Identifier is the stable key used for caching and reconciliation.
func (id Identity) Identifier() string {
	return fmt.Sprintf("%s-%s-%s", id.Type, id.DeviceID, id.Group)
}

func (id Identity) String() string {
	return id.Identifier()
}

func (id Identity) path() string {
	return fmt.Sprintf("gateways/%s/%s/%s?blockOnQueue=true",
		url.PathEscape(id.DeviceID), id.Type, url.PathEscape(id.Group))
}

package milight

import "errors"

var (
	// ErrInvalidArgument is returned for malformed caller input. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnsupported is returned when an operation needs a capability the
	// bulb's remote type lacks.
	ErrUnsupported = errors.New("operation not supported by remote type")

	// ErrHubUnreachable is returned on transport errors and timeouts.
	ErrHubUnreachable = errors.New("milight hub unreachable")

	// ErrHubProtocol is returned when the hub answers with an empty,
	// unparseable or non-successful response.
	ErrHubProtocol = errors.New("milight hub protocol error")
)

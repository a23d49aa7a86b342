// Package metrics records bridge activity.
package metrics

import "time"

// Direction of a forwarded message relative to the language server.
type Direction string

const (
	// Inbound messages travel from the client to the language server.
	Inbound Direction = "inbound"
	// Outbound messages travel from the language server to the client.
	Outbound Direction = "outbound"
)

// Collector receives session lifecycle and traffic events.
type Collector interface {
	// SessionStarted records a session whose process launched successfully.
	SessionStarted(kind string)

	// SessionEnded records a torn-down session and why it ended.
	SessionEnded(kind, reason string, duration time.Duration)

	// LaunchFailed records a language server that could not be started.
	LaunchFailed(kind, reason string)

	// ConnectionRejected records a refused connection (unknown route or
	// disabled kind).
	ConnectionRejected(route, reason string)

	// MessageForwarded records one message relayed in the given direction.
	MessageForwarded(kind string, dir Direction)

	// MessageDropped records one malformed message or frame that was skipped.
	MessageDropped(kind string, dir Direction)
}

type noopCollector struct{}

func (noopCollector) SessionStarted(string)                     {}
func (noopCollector) SessionEnded(string, string, time.Duration) {}
func (noopCollector) LaunchFailed(string, string)               {}
func (noopCollector) ConnectionRejected(string, string)         {}
func (noopCollector) MessageForwarded(string, Direction)        {}
func (noopCollector) MessageDropped(string, Direction)          {}

// NewNoop returns a collector that discards everything.
func NewNoop() Collector {
	return noopCollector{}
}

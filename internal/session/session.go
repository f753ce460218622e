// Package session orchestrates one duplex conversation: it owns the output
// context, the transport channel, the capture engine and the playback
// scheduler for the lifetime of a connection, runs the level visualisation
// loop, and funnels every way a session can end (user disconnect, peer
// close, network failure) through a single teardown.
package session

import (
	"errors"
	"fmt"
)

// Defaults used when a [Config] field is left empty.
const (
	DefaultPersona = "You are a helpful, witty AI assistant named Plex."
	DefaultVoice   = "natural_female_1"
)

// Voices lists the voice identifiers offered to users. The server decides
// which voices it accepts; the list is informational.
var Voices = []string{"natural_female_1", "natural_male_1", "robot_1"}

// ErrAborted is returned by Connect when Disconnect ran while the
// connection was being established.
var ErrAborted = errors.New("session: connect aborted")

// State is the connection state of a [Controller].
type State int32

const (
	// StateIdle means no session exists.
	StateIdle State = iota
	// StateConnecting means the output context is open and the transport is
	// dialling.
	StateConnecting
	// StateActive means the config message was sent and audio flows.
	StateActive
	// StateClosing means teardown is in progress.
	StateClosing
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config is the per-session persona and voice selection. Both values are
// captured at Connect time; later edits apply to the next session.
type Config struct {
	Persona string
	Voice   string
}

// withDefaults fills empty fields.
func (c Config) withDefaults() Config {
	if c.Persona == "" {
		c.Persona = DefaultPersona
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	return c
}

// ControlMessage is the JSON text message sent once, first, on every new
// connection.
type ControlMessage struct {
	Type    string `json:"type"`
	Persona string `json:"persona"`
	Voice   string `json:"voice"`
}

// newConfigMessage builds the control message for cfg.
func newConfigMessage(cfg Config) ControlMessage {
	return ControlMessage{Type: "config", Persona: cfg.Persona, Voice: cfg.Voice}
}

// Status is the snapshot published to the UI on every visualisation tick.
// Levels are in [0, 255].
type Status struct {
	Connected   bool    `json:"connected"`
	Recording   bool    `json:"recording"`
	InputLevel  float64 `json:"input_level"`
	OutputLevel float64 `json:"output_level"`
}

// Publisher receives status snapshots. Publish is called from the
// visualisation goroutine and from teardown; it must not call the
// controller's lifecycle methods.
type Publisher interface {
	Publish(Status)
}

// PublisherFunc adapts a function to [Publisher].
type PublisherFunc func(Status)

// Publish implements [Publisher].
func (f PublisherFunc) Publish(s Status) { f(s) }

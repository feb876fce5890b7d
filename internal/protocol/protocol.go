// Package protocol defines the wire format of the command channel: flat,
// versionless JSON records. Masters send Commands, clients send Commands and
// Responses on the same connection; receivers classify a record by which
// fields it carries.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action names a command. Receivers must tolerate actions they do not know:
// log and drop, never close the connection.
type Action string

const (
	ActionStart     Action = "start"
	ActionPlay      Action = "play"
	ActionPause     Action = "pause"
	ActionSeek      Action = "seek"
	ActionLoad      Action = "load"
	ActionSyncCheck Action = "syncCheck"
	// ActionTimeSync is the clock-offset probe exchanged during join. Older
	// peers ignore it as an unknown action.
	ActionTimeSync Action = "timeSync"
)

// Command is a master→client instruction, or a client→master request that the
// master resolves against its own timeline before rebroadcasting. All numeric
// fields are milliseconds. TargetStartTime is an absolute instant on the
// master clock and is only set for start/play.
type Command struct {
	Action          Action `json:"action"`
	Timestamp       int64  `json:"timestamp"`
	SenderID        string `json:"senderId"`
	VideoPosition   int64  `json:"videoPosition,omitempty"`
	SeekPosition    int64  `json:"seekPosition,omitempty"`
	TargetStartTime int64  `json:"targetStartTime,omitempty"`
	// EchoTimestamp carries the requester's Timestamp back in a timeSync
	// reply so the requester can pair request and response.
	EchoTimestamp int64 `json:"echoTimestamp,omitempty"`
}

// Response is one client status tick. The master keeps only the latest value
// per client.
type Response struct {
	ClientID         string `json:"clientId"`
	VideoPosition    int64  `json:"videoPosition"`
	IsPlaying        bool   `json:"isPlaying"`
	Drift            int64  `json:"drift"`
	BufferPercentage int    `json:"bufferPercentage"`
	IsReady          bool   `json:"isReady"`
	Timestamp        int64  `json:"timestamp"`
}

// NowMillis returns the local wall clock in the protocol's unit.
func NowMillis() int64 { return time.Now().UnixMilli() }

// Encode marshals any protocol record.
func Encode(v any) ([]byte, error) { return json.Marshal(v) }

// Decode classifies and unmarshals a record coming from a client. Exactly one
// of the returns is non-nil on success. A record with neither an "action" nor
// a "clientId" field is malformed.
func Decode(data []byte) (*Command, *Response, error) {
	var probe struct {
		Action   *string `json:"action"`
		ClientID *string `json:"clientId"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, nil, fmt.Errorf("protocol: malformed record: %w", err)
	}
	switch {
	case probe.Action != nil:
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, nil, fmt.Errorf("protocol: malformed command: %w", err)
		}
		return &cmd, nil, nil
	case probe.ClientID != nil:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, nil, fmt.Errorf("protocol: malformed response: %w", err)
		}
		return nil, &resp, nil
	default:
		return nil, nil, fmt.Errorf("protocol: record is neither command nor response")
	}
}

// DecodeCommand unmarshals a master→client record, which is always a command.
func DecodeCommand(data []byte) (*Command, error) {
	cmd, _, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, fmt.Errorf("protocol: expected command")
	}
	return cmd, nil
}

// Known reports whether the receiver understands the action. Unknown actions
// are logged and ignored by both sides.
func (a Action) Known() bool {
	switch a {
	case ActionStart, ActionPlay, ActionPause, ActionSeek, ActionLoad, ActionSyncCheck, ActionTimeSync:
		return true
	}
	return false
}

package protocol

import (
	"encoding/json"
	"fmt"
)

// Event is one outbound TranscriptionEvent variant.
type Event interface {
	Type() MessageType
}

type LoadingStatus string

const (
	LoadingStarted LoadingStatus = "loading"
	LoadingSuccess LoadingStatus = "success"
	LoadingError   LoadingStatus = "error"
)

type Loading struct {
	Status  LoadingStatus `json:"status"`
	Message string        `json:"message,omitempty"`
}

type Downloading struct {
	File     string  `json:"file"`
	Progress float64 `json:"progress"`
	Loaded   int64   `json:"loaded"`
	Total    int64   `json:"total"`
}

// PartialText is a preview of in-progress decoding. End is never set by the
// tracker; it stays in the shape so controllers can share one type.
type PartialText struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   *int   `json:"end,omitempty"`
}

type PartialResult struct {
	Result PartialText `json:"result"`
}

// Segment is a ProcessedSegment: whole seconds, End >= Start.
type Segment struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

type Result struct {
	Results                 []Segment `json:"results"`
	IsDone                  bool      `json:"isDone"`
	CompletedUntilTimestamp int       `json:"completedUntilTimestamp"`
}

type Done struct{}

type Error struct {
	Reason string `json:"reason"`
}

type Pong struct {
	TS any `json:"ts,omitempty"`
}

func (Loading) Type() MessageType       { return TypeLoading }
func (Downloading) Type() MessageType   { return TypeDownloading }
func (PartialResult) Type() MessageType { return TypeResultPartial }
func (Result) Type() MessageType        { return TypeResult }
func (Done) Type() MessageType          { return TypeInferenceDone }
func (Error) Type() MessageType         { return TypeError }
func (Pong) Type() MessageType          { return TypePong }

// Terminal reports whether ev ends its request.
func Terminal(ev Event) bool {
	switch e := ev.(type) {
	case Done, Error:
		return true
	case Loading:
		return e.Status == LoadingError
	default:
		return false
	}
}

// Frame is an event addressed to a request. RequestID is empty for
// transport-level frames such as pong.
type Frame struct {
	RequestID string
	Event     Event
}

// EmitFunc delivers events for one request.
type EmitFunc func(Event)

// MarshalJSON flattens the event payload and adds the type tag and request id.
func (f Frame) MarshalJSON() ([]byte, error) {
	if f.Event == nil {
		return nil, fmt.Errorf("frame %q has no event", f.RequestID)
	}
	payload, err := json.Marshal(f.Event)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", f.Event.Type(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("marshal %s: %w", f.Event.Type(), err)
	}
	fields["type"], _ = json.Marshal(f.Event.Type())
	if f.RequestID != "" {
		fields["request_id"], _ = json.Marshal(f.RequestID)
	}
	return json.Marshal(fields)
}

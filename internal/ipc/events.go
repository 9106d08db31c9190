package ipc

import "encoding/json"

type EventType string

const (
	// Child to parent
	EventLog        EventType = "log"
	EventOutputType EventType = "output_type"
	EventOutput     EventType = "output"
	EventDone       EventType = "done"
	EventSchema     EventType = "schema"

	// Parent to child
	EventPredictionInput EventType = "prediction_input"
	EventCancel          EventType = "cancel"
	EventShutdown        EventType = "shutdown"

	// Synthesized by the supervisor during idle polling, never framed
	EventHeartbeat EventType = "heartbeat"
)

type LogSource string

const (
	SourceStdout LogSource = "stdout"
	SourceStderr LogSource = "stderr"
)

// Event is the single tagged record flowing over the channel. Fields are
// populated per Type; unused fields are omitted on the wire.
type Event struct {
	Type EventType `json:"type"`

	// EventLog
	Source  LogSource `json:"source,omitempty"`
	Message string    `json:"message,omitempty"`

	// EventOutputType
	Multi bool `json:"multi,omitempty"`

	// EventOutput and EventPredictionInput
	Payload json.RawMessage `json:"payload,omitempty"`

	// EventDone
	Canceled    bool   `json:"canceled,omitempty"`
	Error       bool   `json:"error,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`

	// EventSchema
	Schema json.RawMessage `json:"schema,omitempty"`

	// EventCancel and EventPredictionInput
	Id string `json:"id,omitempty"`
}

func Log(source LogSource, message string) Event {
	return Event{Type: EventLog, Source: source, Message: message}
}

func OutputType(multi bool) Event {
	return Event{Type: EventOutputType, Multi: multi}
}

func Output(payload json.RawMessage) Event {
	return Event{Type: EventOutput, Payload: payload}
}

// Done builds the terminal event. A canceled Done never carries an error
// detail; cancellation wins over whatever error was unwinding.
func Done(canceled bool, errorDetail string) Event {
	if canceled {
		errorDetail = ""
	}
	return Event{Type: EventDone, Canceled: canceled, Error: errorDetail != "", ErrorDetail: errorDetail}
}

func PredictionInput(id string, payload json.RawMessage) Event {
	return Event{Type: EventPredictionInput, Id: id, Payload: payload}
}

package pipeline

// Event names emitted on a processing stream.
const (
	EventStarted       = "started"
	EventProgress      = "progress"
	EventInsightsReady = "insights_ready"
	EventPostsReady    = "posts_ready"
	EventComplete      = "complete"
	EventPing          = "ping"
	EventTimeout       = "timeout"
	EventInterrupted   = "interrupted"
	EventError         = "error"
)

// Client-facing messages. Collaborator error text never reaches the stream.
const (
	MessageFailed      = "processing failed"
	MessageTimedOut    = "processing timed out"
	MessageInterrupted = "processing interrupted"
)

// Event is one named message on the processing stream.
type Event struct {
	Name string         `json:"event"`
	Data map[string]any `json:"data"`
}

// Terminal reports whether no further events follow e in the same run.
func (e Event) Terminal() bool {
	switch e.Name {
	case EventComplete, EventTimeout, EventError, EventInterrupted:
		return true
	}
	return false
}

func startedEvent() Event {
	return Event{Name: EventStarted, Data: map[string]any{"progress": 0}}
}

func progressEvent(step string, progress int) Event {
	return Event{Name: EventProgress, Data: map[string]any{"step": step, "progress": progress}}
}

func countEvent(name string, count, progress int) Event {
	return Event{Name: name, Data: map[string]any{"count": count, "progress": progress}}
}

func completeEvent() Event {
	return Event{Name: EventComplete, Data: map[string]any{"progress": 100}}
}

func pingEvent(unixMilli int64) Event {
	return Event{Name: EventPing, Data: map[string]any{"t": unixMilli}}
}

func timeoutEvent() Event {
	return Event{Name: EventTimeout, Data: map[string]any{"message": MessageTimedOut}}
}

func interruptedEvent() Event {
	return Event{Name: EventInterrupted, Data: map[string]any{"message": MessageInterrupted}}
}

func errorEvent() Event {
	return Event{Name: EventError, Data: map[string]any{"message": MessageFailed}}
}

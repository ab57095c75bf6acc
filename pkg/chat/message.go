package chat

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of the visible transcript. Content of an assistant
// message is rewritten with the cumulative text while its generation
// streams; all other messages are immutable once appended.
type Message struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// State of the generation session owned by the controller. At most one
// session is in dispatching, streaming or finalizing at any time.
type State string

const (
	StateIdle        State = "idle"
	StateDispatching State = "dispatching"
	StateStreaming   State = "streaming"
	StateFinalizing  State = "finalizing"
	StateCancelled   State = "cancelled"
	StateErrored     State = "errored"
)

// Active reports whether a generation is in flight.
func (s State) Active() bool {
	switch s {
	case StateDispatching, StateStreaming, StateFinalizing:
		return true
	}
	return false
}

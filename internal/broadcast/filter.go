// ABOUTME: Sink scoping and per-sink event filters
// ABOUTME: Decides which emitted events a given sink receives

package broadcast

// Kind is the transport family of a sink.
type Kind int

// Sink kinds
const (
	KindSSE Kind = iota + 1
	KindSocket
)

func (k Kind) String() string {
	switch k {
	case KindSSE:
		return "sse"
	case KindSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// Filter scopes a sink.
//
// A sink with ConversationID set follows that one conversation (optionally
// pinned to AgencyID as well). A sink with only UserID set follows every
// conversation of that user. OnlyExternal restricts message events to
// messages that cross the external API boundary.
type Filter struct {
	UserID         string
	AgencyID       string
	ConversationID string
	OnlyExternal   bool
}

// userScoped reports whether the filter follows a whole user.
func (f Filter) userScoped() bool {
	return f.ConversationID == "" && f.UserID != ""
}

// Match reports whether ev should be delivered to a sink with this filter.
func (f Filter) Match(ev Event) bool {
	if f.ConversationID != "" && ev.ConversationID != f.ConversationID {
		return false
	}
	if f.AgencyID != "" && ev.AgencyID != f.AgencyID {
		return false
	}
	if f.userScoped() && ev.UserID != f.UserID {
		return false
	}
	if f.OnlyExternal && ev.Message != nil && !ev.Message.External() {
		return false
	}
	return true
}

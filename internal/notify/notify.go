// Package notify is the user-facing message surface invoked on rollbacks
// and write failures. The rendering collaborator is external; the default
// sink logs through zerolog.
package notify

import "github.com/rs/zerolog/log"

// Severity of a user-facing notice.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// Notice is one message shown to the user.
type Notice struct {
	Severity Severity `json:"severity"`
	Title    string   `json:"title"`
	Detail   string   `json:"detail,omitempty"`
}

// Notifier receives notices. Implementations must not block.
type Notifier interface {
	Push(n Notice)
}

// Func adapts a function to the Notifier interface.
type Func func(n Notice)

func (f Func) Push(n Notice) { f(n) }

// Log is a Notifier that writes notices to the process log.
type Log struct{}

func (Log) Push(n Notice) {
	ev := log.Info()
	if n.Severity == SeverityError {
		ev = log.Warn()
	}
	ev.Str("severity", string(n.Severity)).Str("detail", n.Detail).Msg(n.Title)
}

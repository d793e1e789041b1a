// Package kernel wraps an opaque external execution provider into a uniform
// async execution contract: a status lifecycle, streamed outputs, timeouts,
// and capture of orphan output arriving after a call has settled.
package kernel

import "github.com/starford/laguz/internal/cell"

// Message kinds multiplexed over the provider's single message stream.
// Anything else is ignored.
const (
	MsgStatus         = "status"
	MsgExecutionCount = "execution_count"
	MsgStream         = "stream"
	MsgExecuteResult  = "execute_result"
	MsgDisplayData    = "display_data"
	MsgError          = "error"
)

// Execution stream statuses. Busy and idle track the kernel's execution
// state; ok and error are terminal for one execute call.
const (
	StatusMsgBusy  = "busy"
	StatusMsgIdle  = "idle"
	StatusMsgOK    = "ok"
	StatusMsgError = "error"
)

// Message is one frame from the provider's message stream.
type Message struct {
	Type      string
	Status    string
	Count     int
	Name      string
	Text      string
	Data      map[string]any
	Ename     string
	Evalue    string
	Traceback []string
}

// Output converts an output-shaped message into a normalized cell output.
// ok is false for non-output message types.
func (m Message) Output() (cell.Output, bool) {
	switch m.Type {
	case MsgStream:
		return cell.Normalize(cell.Output{Type: cell.OutputStream, Name: m.Name, Text: m.Text}), true
	case MsgExecuteResult:
		return cell.Normalize(cell.Output{Type: cell.OutputExecuteResult, Data: m.Data}), true
	case MsgDisplayData:
		return cell.Normalize(cell.Output{Type: cell.OutputDisplayData, Data: m.Data}), true
	case MsgError:
		return cell.Normalize(cell.Output{Type: cell.OutputError, Ename: m.Ename, Evalue: m.Evalue, Traceback: m.Traceback}), true
	}
	return cell.Output{}, false
}

package gateway

import (
	"encoding/json"

	"github.com/starford/laguz/internal/kernel"
)

const protocolVersion = "5.3"

// Channels multiplexed over the single kernel socket.
const (
	channelShell = "shell"
	channelIOPub = "iopub"
)

// Wire message types.
const (
	typeExecuteRequest = "execute_request"
	typeExecuteReply   = "execute_reply"
	typeExecuteInput   = "execute_input"
	typeExecuteResult  = "execute_result"
	typeDisplayData    = "display_data"
	typeStream         = "stream"
	typeStatus         = "status"
	typeError          = "error"
)

type header struct {
	MsgID   string `json:"msg_id"`
	MsgType string `json:"msg_type"`
	Session string `json:"session"`
	Version string `json:"version"`
}

// envelope is one frame on the kernel socket. Replies and side-effect
// messages point at the request that caused them through ParentHeader.
type envelope struct {
	Header       header          `json:"header"`
	ParentHeader header          `json:"parent_header"`
	Channel      string          `json:"channel"`
	Content      json.RawMessage `json:"content"`
}

type executeRequest struct {
	Code         string `json:"code"`
	Silent       bool   `json:"silent"`
	StoreHistory bool   `json:"store_history"`
}

type statusContent struct {
	ExecutionState string `json:"execution_state"`
}

type executeInputContent struct {
	ExecutionCount int `json:"execution_count"`
}

type streamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type richContent struct {
	ExecutionCount int            `json:"execution_count"`
	Data           map[string]any `json:"data"`
}

type errorContent struct {
	Ename     string   `json:"ename"`
	Evalue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

type executeReply struct {
	Status         string `json:"status"`
	ExecutionCount int    `json:"execution_count"`
}

// translate converts one inbound envelope into stream messages for the
// execution layer. Unknown or malformed frames yield nothing.
func translate(env envelope) []kernel.Message {
	switch env.Header.MsgType {
	case typeStatus:
		var c statusContent
		if json.Unmarshal(env.Content, &c) != nil {
			return nil
		}
		return []kernel.Message{{Type: kernel.MsgStatus, Status: c.ExecutionState}}

	case typeExecuteInput:
		var c executeInputContent
		if json.Unmarshal(env.Content, &c) != nil {
			return nil
		}
		return []kernel.Message{{Type: kernel.MsgExecutionCount, Count: c.ExecutionCount}}

	case typeStream:
		var c streamContent
		if json.Unmarshal(env.Content, &c) != nil {
			return nil
		}
		return []kernel.Message{{Type: kernel.MsgStream, Name: c.Name, Text: c.Text}}

	case typeExecuteResult:
		var c richContent
		if json.Unmarshal(env.Content, &c) != nil {
			return nil
		}
		msgs := []kernel.Message{}
		if c.ExecutionCount > 0 {
			msgs = append(msgs, kernel.Message{Type: kernel.MsgExecutionCount, Count: c.ExecutionCount})
		}
		return append(msgs, kernel.Message{Type: kernel.MsgExecuteResult, Data: c.Data})

	case typeDisplayData:
		var c richContent
		if json.Unmarshal(env.Content, &c) != nil {
			return nil
		}
		return []kernel.Message{{Type: kernel.MsgDisplayData, Data: c.Data}}

	case typeError:
		var c errorContent
		if json.Unmarshal(env.Content, &c) != nil {
			return nil
		}
		return []kernel.Message{{Type: kernel.MsgError, Ename: c.Ename, Evalue: c.Evalue, Traceback: c.Traceback}}

	case typeExecuteReply:
		var c executeReply
		if json.Unmarshal(env.Content, &c) != nil {
			return nil
		}
		msgs := []kernel.Message{}
		if c.ExecutionCount > 0 {
			msgs = append(msgs, kernel.Message{Type: kernel.MsgExecutionCount, Count: c.ExecutionCount})
		}
		return append(msgs, kernel.Message{Type: kernel.MsgStatus, Status: c.Status})
	}
	return nil
}

package process

import (
	"encoding/json"
	"fmt"

	"mangavault/pkg/models"
)

// Outbound events.
const (
	EventProgress           = "progress"
	EventStatus             = "status"
	EventNotify             = "notify"
	EventStatusWithProgress = "statusWithProgress"
	EventBulkUpdate         = "bulkUpdate"
	EventJoined             = "joinedProcesses"
	EventLeft               = "leftProcesses"
	EventError              = "error"
	EventWelcome            = "welcome"
)

// Inbound commands.
const (
	CmdJoin      = "joinProcess"
	CmdLeave     = "leaveProcess"
	CmdGetJoined = "getJoinedProcesses"
)

// Message is the envelope of every frame on both transports.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type processIDsData struct {
	ProcessIDs []string `json:"processIds"`
}

type errorData struct {
	Message string `json:"message"`
}

type welcomeData struct {
	Transport string `json:"transport"`
	Clients   int    `json:"clients"`
}

// ProcessIDs decodes either a single id or a list of ids.
type ProcessIDs []string

func (p *ProcessIDs) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*p = ProcessIDs{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("process ids: want string or string array")
	}
	*p = many
	return nil
}

// joinRequest accepts {processId: "a"}, {processId: ["a","b"]} or {processIds: ["a","b"]}.
// processIds wins when it is a proper array.
type joinRequest struct {
	ProcessID  json.RawMessage `json:"processId"`
	ProcessIDs json.RawMessage `json:"processIds"`
}

func (r joinRequest) ids() []string {
	if len(r.ProcessIDs) > 0 {
		var many []string
		if err := json.Unmarshal(r.ProcessIDs, &many); err == nil {
			return many
		}
	}
	if len(r.ProcessID) > 0 {
		var ids ProcessIDs
		if err := json.Unmarshal(r.ProcessID, &ids); err == nil {
			return ids
		}
	}
	return nil
}

type leaveRequest struct {
	ProcessIDs *[]string `json:"processIds"`
}

func validIDs(ids []string) bool {
	if len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		if id == "" {
			return false
		}
	}
	return true
}

func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Event: event, Data: raw})
}

// JoinFrame builds the joinProcess command a subscriber sends.
func JoinFrame(ids ...string) ([]byte, error) {
	return encode(CmdJoin, processIDsData{ProcessIDs: ids})
}

// DecodeEvent reads one outbound frame. ok is false for frames that carry no process
// event (welcome, joinedProcesses, error).
func DecodeEvent(raw []byte) (event string, ev models.ProgressEvent, ok bool) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", ev, false
	}
	switch msg.Event {
	case EventProgress, EventStatus, EventNotify, EventStatusWithProgress, EventBulkUpdate:
	default:
		return msg.Event, ev, false
	}
	if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.ProcessID == "" {
		return msg.Event, ev, false
	}
	return msg.Event, ev, true
}

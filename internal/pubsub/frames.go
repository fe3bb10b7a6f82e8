package pubsub

import (
	"encoding/json"
	"fmt"
	"time"
)

type frame struct {
	Msg frameMsg `json:"msg"`
}

type frameMsg struct {
	Cmd          string `json:"cmd"`
	Data         any    `json:"data,omitempty"`
	CmdVersion   int    `json:"cmdVersion"`
	Type         int    `json:"type"`
	Transaction  string `json:"transaction"`
	AccountTopic string `json:"accountTopic,omitempty"`
}

// NewTransaction returns a time-based correlation id, "v_<unix millis>000".
func NewTransaction(now time.Time) string {
	return fmt.Sprintf("v_%d000", now.UnixMilli())
}

func statusFrame(accountTopic string, now time.Time) ([]byte, error) {
	return json.Marshal(frame{Msg: frameMsg{
		Cmd:          "status",
		CmdVersion:   2,
		Type:         0,
		Transaction:  NewTransaction(now),
		AccountTopic: accountTopic,
	}})
}

func commandFrame(accountTopic, cmd string, data any, now time.Time) ([]byte, error) {
	return json.Marshal(frame{Msg: frameMsg{
		Cmd:          cmd,
		Data:         data,
		CmdVersion:   0,
		Type:         1,
		Transaction:  NewTransaction(now),
		AccountTopic: accountTopic,
	}})
}

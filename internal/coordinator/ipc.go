package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/deepr/internal/natsbus"
	"github.com/mtzanidakis/deepr/internal/store"
	"github.com/nats-io/nats.go"
)

const defaultListLimit = 20

type IPCCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IPCResponse is the reply to every IPC command. Error is set on failure.
type IPCResponse struct {
	OK        bool                `json:"ok,omitempty"`
	Error     string              `json:"error,omitempty"`
	Run       *store.ResearchRun  `json:"run,omitempty"`
	Runs      []store.ResearchRun `json:"runs,omitempty"`
	Tasks     []store.RunTask     `json:"tasks,omitempty"`
	Schedule  *store.Schedule     `json:"schedule,omitempty"`
	Schedules []store.Schedule    `json:"schedules,omitempty"`
}

// IPCPayload carries the arguments of every command; each uses a subset.
type IPCPayload struct {
	ID       string `json:"id,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Name     string `json:"name,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// ServeIPC answers commands on the research IPC subject.
func (c *Coordinator) ServeIPC() (*nats.Subscription, error) {
	if c.client == nil {
		return nil, errors.New("no NATS client")
	}
	return c.client.Subscribe(natsbus.TopicIPCResearch, c.handleIPC)
}

func (c *Coordinator) handleIPC(msg *nats.Msg) {
	var cmd IPCCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid IPC command", "error", err)
		respondIPC(msg, IPCResponse{Error: "invalid command"})
		return
	}

	var p IPCPayload
	if len(cmd.Payload) > 0 {
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			respondIPC(msg, IPCResponse{Error: "invalid payload"})
			return
		}
	}

	slog.Info("IPC command received", "type", cmd.Type)
	respondIPC(msg, c.dispatch(cmd.Type, p))
}

func (c *Coordinator) dispatch(cmdType string, p IPCPayload) IPCResponse {
	switch cmdType {
	case "submit":
		run, err := c.Submit(p.Topic, RunOptions{Source: SourceAPI})
		if err != nil {
			return IPCResponse{Error: err.Error()}
		}
		return IPCResponse{OK: true, Run: run}

	case "list_runs":
		limit := p.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		runs, err := c.store.ListRuns(limit)
		if err != nil {
			return IPCResponse{Error: fmt.Sprintf("list failed: %v", err)}
		}
		return IPCResponse{OK: true, Runs: runs}

	case "get_run":
		if p.ID == "" {
			return IPCResponse{Error: "id is required"}
		}
		run, err := c.store.GetRun(p.ID)
		if err != nil {
			return IPCResponse{Error: fmt.Sprintf("get failed: %v", err)}
		}
		if run == nil {
			return IPCResponse{Error: "run not found"}
		}
		tasks, err := c.store.GetRunTasks(p.ID)
		if err != nil {
			return IPCResponse{Error: fmt.Sprintf("get tasks failed: %v", err)}
		}
		return IPCResponse{OK: true, Run: run, Tasks: tasks}

	case "cancel_run":
		if p.ID == "" {
			return IPCResponse{Error: "id is required"}
		}
		if !c.Cancel(p.ID) {
			return IPCResponse{Error: "run is not in flight"}
		}
		return IPCResponse{OK: true}

	case "create_schedule":
		if p.Schedule == "" {
			return IPCResponse{Error: "topic and schedule are required"}
		}
		sch, err := c.CreateSchedule(p.Name, p.Topic, p.Schedule)
		if err != nil {
			return IPCResponse{Error: err.Error()}
		}
		slog.Info("schedule created via IPC", "id", sch.ID, "name", sch.Name)
		return IPCResponse{OK: true, Schedule: sch}

	case "list_schedules":
		schedules, err := c.store.ListSchedules()
		if err != nil {
			return IPCResponse{Error: fmt.Sprintf("list failed: %v", err)}
		}
		return IPCResponse{OK: true, Schedules: schedules}

	case "delete_schedule":
		if p.ID == "" {
			return IPCResponse{Error: "id is required"}
		}
		if err := c.store.DeleteSchedule(p.ID); err != nil {
			return IPCResponse{Error: fmt.Sprintf("delete failed: %v", err)}
		}
		slog.Info("schedule deleted via IPC", "id", p.ID)
		return IPCResponse{OK: true}

	default:
		slog.Warn("unknown IPC command", "type", cmdType)
		return IPCResponse{Error: "unknown command: " + cmdType}
	}
}

func respondIPC(msg *nats.Msg, resp IPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to IPC", "error", err)
	}
}

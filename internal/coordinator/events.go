package coordinator

import (
	"encoding/json"
	"fmt"

	"github.com/mtzanidakis/deepr/internal/research"
)

const (
	EventStarted  = "research_started"
	EventSnapshot = "research_snapshot"
	EventFinished = "research_finished"
)

// Event is the envelope published on events.research.<id>.
type Event struct {
	Type       string          `json:"type"`
	ResearchID string          `json:"research_id"`
	Timestamp  string          `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// FinishedData is the payload of a research_finished event.
type FinishedData struct {
	Status    string `json:"status"`
	Stage     string `json:"stage"`
	Succeeded int    `json:"succeeded"`
	Total     int    `json:"total"`
	Title     string `json:"title,omitempty"`
}

func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

// Snapshot decodes the payload of a research_snapshot event.
func (e Event) Snapshot() (research.Snapshot, error) {
	if e.Type != EventSnapshot {
		return research.Snapshot{}, fmt.Errorf("event %s carries no snapshot", e.Type)
	}
	var s research.Snapshot
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return research.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

// Finished decodes the payload of a research_finished event.
func (e Event) Finished() (FinishedData, error) {
	if e.Type != EventFinished {
		return FinishedData{}, fmt.Errorf("event %s is not a finish event", e.Type)
	}
	var f FinishedData
	if err := json.Unmarshal(e.Data, &f); err != nil {
		return FinishedData{}, fmt.Errorf("decode finish: %w", err)
	}
	return f, nil
}

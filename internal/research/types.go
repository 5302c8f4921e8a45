package research

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyTopic is returned when a run is requested for a blank topic.
var ErrEmptyTopic = errors.New("topic is empty")

// Generator is the text-generation collaborator.
type Generator interface {
	Generate(ctx context.Context, prompt, system string, jsonMode bool) (string, error)
}

// Searcher is the retrieval collaborator.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]Item, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, prompt, system string, jsonMode bool) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt, system string, jsonMode bool) (string, error) {
	return f(ctx, prompt, system, jsonMode)
}

// SearcherFunc adapts a plain function to Searcher.
type SearcherFunc func(ctx context.Context, query string, maxResults int) ([]Item, error)

func (f SearcherFunc) Search(ctx context.Context, query string, maxResults int) ([]Item, error) {
	return f(ctx, query, maxResults)
}

// Item is a single raw search hit.
type Item struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Task is one planned search. Index is 1-based and dense.
type Task struct {
	Index  int    `json:"index"`
	Query  string `json:"query"`
	Reason string `json:"reason"`
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskEmpty     TaskStatus = "empty"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskEmpty || s == TaskFailed
}

// TaskOutcome is the result of running a single Task.
type TaskOutcome struct {
	Index    int        `json:"index"`
	Status   TaskStatus `json:"status"`
	RawItems []Item     `json:"raw_items,omitempty"`
	Summary  string     `json:"summary,omitempty"`
	Err      error      `json:"-"`
}

// Error returns the recorded failure message, if any.
func (o TaskOutcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

type Stage string

const (
	StagePlanning       Stage = "planning"
	StageStrategy       Stage = "strategy"
	StageSearching      Stage = "searching"
	StageSearchComplete Stage = "search_complete"
	StageWriting        Stage = "writing"
	StageDone           Stage = "done"
	StageNoData         Stage = "no_data"
	StageError          Stage = "error"
)

var stageOrder = map[Stage]int{
	StagePlanning:       0,
	StageStrategy:       1,
	StageSearching:      2,
	StageSearchComplete: 3,
	StageWriting:        4,
	StageDone:           5,
	StageNoData:         5,
	StageError:          5,
}

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageNoData || s == StageError
}

// Before reports whether s strictly precedes other in the pipeline.
func (s Stage) Before(other Stage) bool {
	return stageOrder[s] < stageOrder[other]
}

// Snapshot is a full progress update. Each one replaces the previous.
type Snapshot struct {
	Stage       Stage    `json:"stage"`
	Title       string   `json:"title"`
	Subtitle    string   `json:"subtitle,omitempty"`
	Details     []string `json:"details,omitempty"`
	FinalReport string   `json:"final_report,omitempty"`
}

// Report is the synthesized artifact of a run.
type Report struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// PhaseError wraps a fatal failure in the planning or writing stage.
type PhaseError struct {
	Stage Stage
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

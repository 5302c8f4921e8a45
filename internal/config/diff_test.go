package config

import (
	"slices"
	"testing"
	"time"
)

func TestDiff_NoChanges(t *testing.T) {
	cfg := defaults()
	d := Diff(&cfg, &cfg)
	if d.HasChanges() {
		t.Error("expected no changes")
	}
	if len(d.NonReloadable) != 0 {
		t.Errorf("expected no non-reloadable changes, got %v", d.NonReloadable)
	}
}

func TestDiff_LLMChanged(t *testing.T) {
	old := defaults()
	new := defaults()
	new.LLM.Model = "other/model"

	d := Diff(&old, &new)
	if !d.LLMChanged {
		t.Error("expected llm change")
	}
	if d.NewLLM.Model != "other/model" {
		t.Errorf("expected new model, got %s", d.NewLLM.Model)
	}
	if !d.PipelineChanged() {
		t.Error("expected pipeline change")
	}
}

func TestDiff_ResearchChanged(t *testing.T) {
	old := defaults()
	new := defaults()
	new.Research.MaxConcurrency = 2

	d := Diff(&old, &new)
	if !d.ResearchChanged || d.NewResearch.MaxConcurrency != 2 {
		t.Errorf("expected research change, got %+v", d)
	}
}

func TestDiff_SchedulerChanged(t *testing.T) {
	old := defaults()
	new := defaults()
	new.Scheduler.PollInterval = time.Minute

	d := Diff(&old, &new)
	if !d.SchedulerChanged {
		t.Error("expected scheduler change")
	}
	if d.PipelineChanged() {
		t.Error("scheduler change should not rebuild the pipeline")
	}
	if d.NewScheduler.PollInterval != time.Minute {
		t.Errorf("expected 1m, got %v", d.NewScheduler.PollInterval)
	}
}

func TestDiff_AllowFromChanged(t *testing.T) {
	old := defaults()
	old.Telegram.AllowFrom = []int64{1}
	new := defaults()
	new.Telegram.AllowFrom = []int64{1, 2}

	d := Diff(&old, &new)
	if !d.AllowFromChanged || !slices.Equal(d.NewAllowFrom, []int64{1, 2}) {
		t.Errorf("expected allow_from change, got %+v", d)
	}
}

func TestDiff_NonReloadable(t *testing.T) {
	old := defaults()
	new := defaults()
	new.Telegram.Token = "new-token"
	new.Web.Port = 9999
	new.NATS.Port = 5222
	new.Store.Path = "/elsewhere.db"

	d := Diff(&old, &new)
	if d.HasChanges() {
		t.Error("non-reloadable fields should not count as changes")
	}
	for _, want := range []string{"telegram.token", "web.port", "nats", "store.path"} {
		if !slices.Contains(d.NonReloadable, want) {
			t.Errorf("expected %s in %v", want, d.NonReloadable)
		}
	}
}

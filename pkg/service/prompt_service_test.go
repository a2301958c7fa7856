package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/parley-ai/parley/pkg/db"
	"github.com/parley-ai/parley/pkg/models"
)

func createPrompt(t *testing.T, svc *PromptService, tenantID string, req *models.CreatePromptRequest) *db.Prompt {
	t.Helper()
	prompt, err := svc.Create(context.Background(), tenantID, req)
	if err != nil {
		t.Fatalf("create prompt %s@%s: %v", req.Name, req.Version, err)
	}
	return prompt
}

func TestCreatePrompt_DuplicateVersion(t *testing.T) {
	svc := NewPromptService(newTestDB(t))

	req := &models.CreatePromptRequest{Name: "greeting", Version: "v1", Content: "Hello"}
	createPrompt(t, svc, "t1", req)

	_, err := svc.Create(context.Background(), "t1", req)
	if !errors.Is(err, ErrPromptExists) {
		t.Fatalf("expected ErrPromptExists, got %v", err)
	}

	// Same version under another tenant is fine.
	if _, err := svc.Create(context.Background(), "t2", req); err != nil {
		t.Fatalf("same version for another tenant: %v", err)
	}
}

func TestCreatePrompt_RejectsUnknownVariableType(t *testing.T) {
	svc := NewPromptService(newTestDB(t))

	_, err := svc.Create(context.Background(), "t1", &models.CreatePromptRequest{
		Name:    "bad",
		Version: "v1",
		Content: "x",
		Variables: db.VariableMap{
			"tone": {Type: "enum"},
		},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown variable type, got %v", err)
	}
}

func TestCreatePrompt_RejectsOutOfRangePercentage(t *testing.T) {
	svc := NewPromptService(newTestDB(t))

	_, err := svc.Create(context.Background(), "t1", &models.CreatePromptRequest{
		Name:             "bad",
		Version:          "v1",
		Content:          "x",
		ABTestPercentage: 150,
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for percentage 150, got %v", err)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	svc := NewPromptService(newTestDB(t))
	createPrompt(t, svc, "t1", &models.CreatePromptRequest{
		Name: "greeting", Version: "v1", Content: "A", ABTestGroup: "a", ABTestPercentage: 50,
	})
	createPrompt(t, svc, "t1", &models.CreatePromptRequest{
		Name: "greeting", Version: "v2", Content: "B", ABTestGroup: "b", ABTestPercentage: 50,
	})

	first, err := svc.Resolve(context.Background(), "t1", "greeting", "t1:user-42")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := svc.Resolve(context.Background(), "t1", "greeting", "t1:user-42")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if again.ID != first.ID {
			t.Fatalf("resolution changed between calls: %s vs %s", again.Version, first.Version)
		}
	}
}

func TestResolve_Distribution(t *testing.T) {
	svc := NewPromptService(newTestDB(t))
	createPrompt(t, svc, "t1", &models.CreatePromptRequest{
		Name: "greeting", Version: "v1", Content: "A", ABTestGroup: "a", ABTestPercentage: 50,
	})
	createPrompt(t, svc, "t1", &models.CreatePromptRequest{
		Name: "greeting", Version: "v2", Content: "B", ABTestGroup: "b", ABTestPercentage: 50,
	})

	const n = 10000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		prompt, err := svc.Resolve(context.Background(), "t1", "greeting", fmt.Sprintf("t1:user-%d", i))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		counts[prompt.Version]++
	}

	for version, count := range counts {
		share := float64(count) / float64(n)
		if share < 0.47 || share > 0.53 {
			t.Fatalf("version %s got %.1f%% of traffic, want 50%% within 3 points", version, share*100)
		}
	}
}

func TestResolve_BucketOutsideCoveredRangeFallsBack(t *testing.T) {
	svc := NewPromptService(newTestDB(t))
	// Experiment covers only 10% of traffic; the stable ungrouped version
	// takes the rest.
	stable := createPrompt(t, svc, "t1", &models.CreatePromptRequest{
		Name: "greeting", Version: "v1", Content: "stable",
	})
	createPrompt(t, svc, "t1", &models.CreatePromptRequest{
		Name: "greeting", Version: "v2", Content: "experiment", ABTestGroup: "a", ABTestPercentage: 10,
	})

	stableHits := 0
	for i := 0; i < 1000; i++ {
		prompt, err := svc.Resolve(context.Background(), "t1", "greeting", fmt.Sprintf("key-%d", i))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if prompt.ID == stable.ID {
			stableHits++
		}
	}
	if stableHits < 850 || stableHits > 950 {
		t.Fatalf("stable version got %d of 1000 resolutions, want about 900", stableHits)
	}
}

func TestResolve_NoActiveVersion(t *testing.T) {
	svc := NewPromptService(newTestDB(t))
	prompt := createPrompt(t, svc, "t1", &models.CreatePromptRequest{
		Name: "greeting", Version: "v1", Content: "x",
	})
	if _, err := svc.SetActive(context.Background(), "t1", prompt.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	_, err := svc.Resolve(context.Background(), "t1", "greeting", "key")
	if !errors.Is(err, ErrPromptNotFound) {
		t.Fatalf("expected ErrPromptNotFound, got %v", err)
	}
}

func TestRenderContent(t *testing.T) {
	svc := NewPromptService(newTestDB(t))
	prompt := &db.Prompt{
		Content: "You are {{persona}}. Verbosity: {{level}}.",
		Variables: db.VariableMap{
			"persona": {Type: db.VariableTypeString, Required: true},
			"level":   {Type: db.VariableTypeNumber, Default: "3"},
		},
	}

	rendered, err := svc.RenderContent(prompt, map[string]string{"persona": "a pirate"})
	if err != nil {
		t.Fatalf("RenderContent: %v", err)
	}
	want := "You are a pirate. Verbosity: 3."
	if rendered != want {
		t.Fatalf("rendered = %q, want %q", rendered, want)
	}

	if _, err := svc.RenderContent(prompt, nil); err == nil {
		t.Fatal("missing required variable must be an error")
	}

	_, err = svc.RenderContent(prompt, map[string]string{"persona": "x", "level": "high"})
	if err == nil {
		t.Fatal("non-numeric value for a number variable must be an error")
	}
}

func TestRecordInteraction_SuccessRate(t *testing.T) {
	svc := NewPromptService(newTestDB(t))
	prompt := createPrompt(t, svc, "t1", &models.CreatePromptRequest{
		Name: "greeting", Version: "v1", Content: "x",
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := svc.RecordInteraction(ctx, "t1", prompt.ID, true); err != nil {
			t.Fatalf("RecordInteraction: %v", err)
		}
	}
	if err := svc.RecordInteraction(ctx, "t1", prompt.ID, false); err != nil {
		t.Fatalf("RecordInteraction: %v", err)
	}

	stats, err := svc.Stats(ctx, "t1", prompt.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalInteractions != 4 || stats.SuccessCount != 3 {
		t.Fatalf("counters = %d/%d, want 3/4", stats.SuccessCount, stats.TotalInteractions)
	}
	if stats.SuccessRate != 0.75 {
		t.Fatalf("SuccessRate = %v, want 0.75", stats.SuccessRate)
	}

	if err := svc.RecordInteraction(ctx, "t1", "missing", true); !errors.Is(err, ErrPromptNotFound) {
		t.Fatalf("expected ErrPromptNotFound for unknown prompt, got %v", err)
	}
}

package report_test

import (
	"strings"
	"testing"

	"rollcall/internal/domain"
	"rollcall/internal/report"
)

func TestFormatAllCompliant(t *testing.T) {
	results := []domain.SweepResult{
		{Topic: "Отчёт", Deadline: "18:00"},
		{Topic: "Планы", Deadline: "09:30"},
	}
	if got := report.Format(results); got != report.AllCompliant {
		t.Fatalf("expected all-compliant message, got %q", got)
	}
	if got := report.Format(nil); got != report.AllCompliant {
		t.Fatalf("expected all-compliant message for nil results, got %q", got)
	}
}

func TestFormatBlocks(t *testing.T) {
	results := []domain.SweepResult{
		{Topic: "Отчёт", Deadline: "18:00", Missing: []string{"Иванов Пётр", "Сидорова Анна"}},
		{Topic: "Планы", Deadline: "09:30"},
		{Topic: "Ревью", Deadline: "12:00", Missing: []string{"Иванов Пётр"}},
	}
	got := report.Format(results)
	blocks := strings.Split(got, "\n\n")
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d: %q", len(blocks), got)
	}
	if !strings.Contains(blocks[0], "*Отчёт* (deadline 18:00)") {
		t.Errorf("missing topic header: %q", blocks[0])
	}
	if !strings.Contains(blocks[0], "Иванов Пётр, Сидорова Анна") {
		t.Errorf("missing comma-joined names: %q", blocks[0])
	}
	if strings.Contains(got, "Планы") {
		t.Errorf("compliant topic should produce no block: %q", got)
	}
}

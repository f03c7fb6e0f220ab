// Package tabular loads topic policies and the participant roster from
// two-dimensional CSV sources. Row 1 is always a header row and skipped.
package tabular

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"rollcall/internal/domain"
)

// active flag spellings accepted in policy rows.
var activeValues = map[string]bool{
	"yes": true, "да": true, "true": true, "1": true,
}

// ReadPolicies parses policy rows (topic, deadline, format, active, chat).
// Malformed rows are skipped and reported as warnings, not errors.
func ReadPolicies(r io.Reader) ([]domain.TopicPolicy, []string, error) {
	rows, err := readRows(r)
	if err != nil {
		return nil, nil, err
	}
	var (
		policies []domain.TopicPolicy
		warnings []string
	)
	for i, row := range rows {
		line := i + 2 // 1-based, after header
		if len(row) < 5 {
			warnings = append(warnings, fmt.Sprintf("row %d: expected 5 columns, got %d", line, len(row)))
			continue
		}
		topic := strings.TrimSpace(row[0])
		deadline := strings.TrimSpace(row[1])
		if topic == "" {
			warnings = append(warnings, fmt.Sprintf("row %d: empty topic", line))
			continue
		}
		if _, err := time.Parse("15:04", deadline); err != nil {
			warnings = append(warnings, fmt.Sprintf("row %d: unparsable deadline %q", line, deadline))
			continue
		}
		policies = append(policies, domain.TopicPolicy{
			Topic:    topic,
			Deadline: deadline,
			Active:   activeValues[strings.ToLower(strings.TrimSpace(row[3]))],
			ChatID:   strings.TrimSpace(row[4]),
		})
	}
	return policies, warnings, nil
}

// ReadRoster parses participant names from the first column, preserving order
// and dropping blanks and duplicates.
func ReadRoster(r io.Reader) ([]string, []string, error) {
	rows, err := readRows(r)
	if err != nil {
		return nil, nil, err
	}
	var (
		names    []string
		warnings []string
	)
	seen := map[string]bool{}
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		name := strings.TrimSpace(row[0])
		if name == "" {
			continue
		}
		if seen[name] {
			warnings = append(warnings, fmt.Sprintf("row %d: duplicate participant %q", i+2, name))
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, warnings, nil
}

// ReadPoliciesFile is ReadPolicies over a file path.
func ReadPoliciesFile(path string) ([]domain.TopicPolicy, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return ReadPolicies(f)
}

// ReadRosterFile is ReadRoster over a file path.
func ReadRosterFile(path string) ([]string, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return ReadRoster(f)
}

func readRows(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[1:], nil
}

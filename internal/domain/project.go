// Package domain holds the typed views of OpenProject data served to MCP
// clients. Values are immutable once mapped from a backend response.
package domain

import "fmt"

// Project is a single OpenProject project as returned by the backend.
type Project struct {
	ID          int            `json:"id"`
	Name        string         `json:"name"`
	Identifier  string         `json:"identifier"`
	Description map[string]any `json:"description,omitempty"`
	CreatedAt   string         `json:"created_at,omitempty"`
	UpdatedAt   string         `json:"updated_at,omitempty"`
}

// Validate reports whether the project satisfies its invariants. A mapped
// project always has a positive ID and non-empty name and identifier.
func (p Project) Validate() error {
	if p.ID <= 0 {
		return fmt.Errorf("project id must be positive, got %d", p.ID)
	}
	if p.Name == "" {
		return fmt.Errorf("project %d has no name", p.ID)
	}
	if p.Identifier == "" {
		return fmt.Errorf("project %d has no identifier", p.ID)
	}
	return nil
}

// WorkPackage is a single work package. ID is a pointer because the backend
// only assigns one on creation; everything except Subject is optional.
type WorkPackage struct {
	ID        *int   `json:"id"`
	Subject   string `json:"subject"`
	Status    string `json:"status,omitempty"`
	Priority  string `json:"priority,omitempty"`
	Assignee  string `json:"assignee,omitempty"`
	DueDate   string `json:"due_date,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// WeeklyReport bundles a project with its work packages for one week.
// It is never partially populated: construction fails if either fetch fails.
// WorkPackages preserves backend response order.
type WeeklyReport struct {
	Project      Project       `json:"project"`
	WorkPackages []WorkPackage `json:"work_packages"`
	Week         string        `json:"week"`
	Summary      string        `json:"summary"`
}

// NewWeeklyReport assembles a report. An empty week defaults to "current",
// matching the behaviour clients have always seen.
func NewWeeklyReport(project Project, packages []WorkPackage, week string) WeeklyReport {
	if week == "" {
		week = "current"
	}
	return WeeklyReport{
		Project:      project,
		WorkPackages: packages,
		Week:         week,
		Summary:      fmt.Sprintf("Found %d work packages", len(packages)),
	}
}

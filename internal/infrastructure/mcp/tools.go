package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/opmcp/opmcp/internal/domain"
)

// Backend is the slice of the OpenProject client the tools need. Declared
// here so tests can stand in a fake without a live backend.
type Backend interface {
	GetProject(ctx context.Context, projectID int) (*domain.Project, error)
	GetWorkPackages(ctx context.Context, projectID int, filters []map[string]any) ([]domain.WorkPackage, error)
	GetWeeklyReport(ctx context.Context, projectID int, week string) (*domain.WeeklyReport, error)
}

// Result payloads mirror what clients of this server have always received.

type workPackageView struct {
	ID        *int   `json:"id"`
	Subject   string `json:"subject"`
	Status    string `json:"status,omitempty"`
	Priority  string `json:"priority,omitempty"`
	Assignee  string `json:"assignee,omitempty"`
	DueDate   string `json:"due_date,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type workPackagesResult struct {
	ProjectID    int               `json:"project_id"`
	WorkPackages []workPackageView `json:"work_packages"`
	TotalCount   int               `json:"total_count"`
}

type reportProjectView struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
}

type weeklyReportResult struct {
	Project       reportProjectView `json:"project"`
	Week          string            `json:"week"`
	WorkPackages  []workPackageView `json:"work_packages"`
	Summary       string            `json:"summary"`
	TotalPackages int               `json:"total_packages"`
}

// RegisterOpenProjectTools wires the three project-data tools into the
// registry. Called once from wiring at startup; descriptor order here is
// the order tools/list reports.
func RegisterOpenProjectTools(registry *Registry, backend Backend) error {
	tools := []struct {
		descriptor ToolDescriptor
		handler    Handler
	}{
		{
			descriptor: ToolDescriptor{
				Name:        "get_project",
				Description: "Get project information by ID",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"project_id": map[string]any{
							"type":        "integer",
							"minimum":     1,
							"description": "Project ID to retrieve",
						},
					},
					"required": []string{"project_id"},
				},
			},
			handler: getProjectHandler(backend),
		},
		{
			descriptor: ToolDescriptor{
				Name:        "get_work_packages",
				Description: "Get work packages for a project",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"project_id": map[string]any{
							"type":        "integer",
							"minimum":     1,
							"description": "Project ID to get work packages for",
						},
						"filters": map[string]any{
							"type":        "array",
							"description": "Optional filters to apply",
							"items":       map[string]any{"type": "object"},
						},
					},
					"required": []string{"project_id"},
				},
			},
			handler: getWorkPackagesHandler(backend),
		},
		{
			descriptor: ToolDescriptor{
				Name:        "get_weekly_report",
				Description: "Get weekly report data for a project",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"project_id": map[string]any{
							"type":        "integer",
							"minimum":     1,
							"description": "Project ID to generate weekly report for",
						},
						"week": map[string]any{
							"type":        "string",
							"description": "Week identifier (e.g., '2024-W42')",
						},
					},
					"required": []string{"project_id"},
				},
			},
			handler: getWeeklyReportHandler(backend),
		},
	}

	for _, tool := range tools {
		if err := registry.Register(tool.descriptor, tool.handler); err != nil {
			return err
		}
	}
	return nil
}

func getProjectHandler(backend Backend) Handler {
	return func(ctx context.Context, args map[string]any, _ CallContext) (any, error) {
		projectID, err := intArg(args, "project_id")
		if err != nil {
			return nil, err
		}
		project, err := backend.GetProject(ctx, projectID)
		if err != nil {
			return nil, err
		}
		return project, nil
	}
}

func getWorkPackagesHandler(backend Backend) Handler {
	return func(ctx context.Context, args map[string]any, _ CallContext) (any, error) {
		projectID, err := intArg(args, "project_id")
		if err != nil {
			return nil, err
		}
		filters, err := filtersArg(args)
		if err != nil {
			return nil, err
		}
		packages, err := backend.GetWorkPackages(ctx, projectID, filters)
		if err != nil {
			return nil, err
		}
		return workPackagesResult{
			ProjectID:    projectID,
			WorkPackages: workPackageViews(packages),
			TotalCount:   len(packages),
		}, nil
	}
}

func getWeeklyReportHandler(backend Backend) Handler {
	return func(ctx context.Context, args map[string]any, _ CallContext) (any, error) {
		projectID, err := intArg(args, "project_id")
		if err != nil {
			return nil, err
		}
		week, _ := args["week"].(string)
		if err := domain.ValidateWeek(week); err != nil {
			return nil, &InvokeError{Kind: InvokeValidation, Tool: "get_weekly_report", Err: err}
		}
		report, err := backend.GetWeeklyReport(ctx, projectID, week)
		if err != nil {
			return nil, err
		}
		return weeklyReportResult{
			Project: reportProjectView{
				ID:         report.Project.ID,
				Name:       report.Project.Name,
				Identifier: report.Project.Identifier,
			},
			Week:          report.Week,
			WorkPackages:  workPackageViews(report.WorkPackages),
			Summary:       report.Summary,
			TotalPackages: len(report.WorkPackages),
		}, nil
	}
}

// intArg extracts an integer argument. JSON numbers arrive as float64, but
// schema validation already rejected non-integers and values below one, so
// failures here mean the caller bypassed validation.
func intArg(args map[string]any, key string) (int, error) {
	raw, ok := args[key]
	if !ok {
		return 0, &InvokeError{Kind: InvokeValidation,
			Err: fmt.Errorf("%s is required", key)}
	}
	switch v := raw.(type) {
	case float64:
		if v != float64(int(v)) || int(v) <= 0 {
			return 0, &InvokeError{Kind: InvokeValidation,
				Err: fmt.Errorf("%s must be a positive integer", key)}
		}
		return int(v), nil
	case int:
		if v <= 0 {
			return 0, &InvokeError{Kind: InvokeValidation,
				Err: fmt.Errorf("%s must be a positive integer", key)}
		}
		return v, nil
	default:
		return 0, &InvokeError{Kind: InvokeValidation,
			Err: fmt.Errorf("%s must be an integer", key)}
	}
}

func filtersArg(args map[string]any) ([]map[string]any, error) {
	raw, ok := args["filters"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, &InvokeError{Kind: InvokeValidation,
			Err: errors.New("filters must be an array of filter objects")}
	}
	filters := make([]map[string]any, 0, len(list))
	for _, item := range list {
		filter, ok := item.(map[string]any)
		if !ok {
			return nil, &InvokeError{Kind: InvokeValidation,
				Err: errors.New("filters must be an array of filter objects")}
		}
		filters = append(filters, filter)
	}
	return filters, nil
}

func workPackageViews(packages []domain.WorkPackage) []workPackageView {
	views := make([]workPackageView, 0, len(packages))
	for _, wp := range packages {
		views = append(views, workPackageView{
			ID:        wp.ID,
			Subject:   wp.Subject,
			Status:    wp.Status,
			Priority:  wp.Priority,
			Assignee:  wp.Assignee,
			DueDate:   wp.DueDate,
			CreatedAt: wp.CreatedAt,
			UpdatedAt: wp.UpdatedAt,
		})
	}
	return views
}

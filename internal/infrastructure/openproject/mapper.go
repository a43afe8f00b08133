package openproject

import (
	"encoding/json"
	"fmt"

	"github.com/opmcp/opmcp/internal/domain"
)

// Wire shapes for the HAL responses the backend is known to emit. Decoding
// fails closed: structurally unexpected input becomes a protocol error
// instead of a guessed default that could mislead a caller.

type projectPayload struct {
	ID          int            `json:"id"`
	Name        string         `json:"name"`
	Identifier  string         `json:"identifier"`
	Description map[string]any `json:"description"`
	CreatedAt   string         `json:"createdAt"`
	UpdatedAt   string         `json:"updatedAt"`
}

type workPackagePayload struct {
	ID        *int            `json:"id"`
	Subject   string          `json:"subject"`
	Status    json.RawMessage `json:"status"`
	Priority  json.RawMessage `json:"priority"`
	Assignee  json.RawMessage `json:"assignee"`
	DueDate   string          `json:"dueDate"`
	CreatedAt string          `json:"createdAt"`
	UpdatedAt string          `json:"updatedAt"`
}

// collectionPayload covers the two collection shapes the backend emits:
// HAL (_embedded.elements) and the flattened variant (elements).
type collectionPayload struct {
	Embedded *struct {
		Elements []json.RawMessage `json:"elements"`
	} `json:"_embedded"`
	Elements []json.RawMessage `json:"elements"`
}

// MapProject decodes a single project response body.
func MapProject(data []byte) (*domain.Project, error) {
	var payload projectPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "map project", Err: err}
	}
	project := domain.Project{
		ID:          payload.ID,
		Name:        payload.Name,
		Identifier:  payload.Identifier,
		Description: payload.Description,
		CreatedAt:   payload.CreatedAt,
		UpdatedAt:   payload.UpdatedAt,
	}
	if err := project.Validate(); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "map project", Err: err}
	}
	return &project, nil
}

// MapWorkPackages decodes a work package collection response body. Element
// order is preserved exactly as returned; no pagination merge happens here.
func MapWorkPackages(data []byte) ([]domain.WorkPackage, error) {
	var collection collectionPayload
	if err := json.Unmarshal(data, &collection); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "map work packages", Err: err}
	}

	elements := collection.Elements
	if collection.Embedded != nil {
		elements = collection.Embedded.Elements
	}
	if elements == nil {
		return nil, &Error{Kind: KindProtocol, Op: "map work packages",
			Err: fmt.Errorf("response has neither _embedded.elements nor elements")}
	}

	packages := make([]domain.WorkPackage, 0, len(elements))
	for i, raw := range elements {
		wp, err := mapWorkPackage(raw)
		if err != nil {
			return nil, &Error{Kind: KindProtocol, Op: "map work packages",
				Err: fmt.Errorf("element %d: %w", i, err)}
		}
		packages = append(packages, wp)
	}
	return packages, nil
}

func mapWorkPackage(raw json.RawMessage) (domain.WorkPackage, error) {
	var payload workPackagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.WorkPackage{}, err
	}
	if payload.Subject == "" {
		return domain.WorkPackage{}, fmt.Errorf("work package has no subject")
	}
	return domain.WorkPackage{
		ID:        payload.ID,
		Subject:   payload.Subject,
		Status:    displayName(payload.Status),
		Priority:  displayName(payload.Priority),
		Assignee:  displayName(payload.Assignee),
		DueDate:   payload.DueDate,
		CreatedAt: payload.CreatedAt,
		UpdatedAt: payload.UpdatedAt,
	}, nil
}

// displayName resolves a nested single-object reference to its "name" field.
// Any other shape (string, array, null, missing) degrades to absent rather
// than failing the element: the backend drifts here and a missing display
// name is harmless, unlike a missing subject.
func displayName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var ref struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return ""
	}
	return ref.Name
}

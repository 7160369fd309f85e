// Package workitem holds the work item model shared by the board authority and
// its clients, together with validation of the partial payloads used to mutate it.
package workitem

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusInReview   = "in_review"
	StatusDone       = "done"
	StatusArchived   = "archived"
)

const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Recognized mutable fields, by wire name.
const (
	FieldSprintID    = "sprintId"
	FieldStatus      = "status"
	FieldPriority    = "priority"
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldAssigneeID  = "assigneeId"
	FieldStoryPoints = "story_points"
)

var recognizedFields = map[string]struct{}{
	FieldSprintID:    {},
	FieldStatus:      {},
	FieldPriority:    {},
	FieldTitle:       {},
	FieldDescription: {},
	FieldAssigneeID:  {},
	FieldStoryPoints: {},
}

// Item is a work item as the server last described it. Version is assigned by
// the server and never decreases across successful writes.
type Item struct {
	ID          string    `json:"id"`
	TeamID      string    `json:"team_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority"`
	AssigneeID  string    `json:"assigneeId,omitempty"`
	SprintID    string    `json:"sprintId,omitempty"`
	StoryPoints int       `json:"story_points,omitempty"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Delta is a field-level change keyed by wire field name.
type Delta map[string]any

func IsRecognizedField(name string) bool {
	_, ok := recognizedFields[name]
	return ok
}

func RecognizedFields() []string {
	out := make([]string, 0, len(recognizedFields))
	for name := range recognizedFields {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (it Item) IsZero() bool {
	return it.ID == "" && it.Version == 0
}

func (it Item) Clone() Item {
	return it
}

// Apply shallow-merges d onto a copy of it. Unknown keys are ignored; callers
// are expected to have run ValidateDelta first.
func (it Item) Apply(d Delta) Item {
	out := it
	for key, value := range d {
		switch key {
		case FieldTitle:
			out.Title = stringValue(value)
		case FieldDescription:
			out.Description = stringValue(value)
		case FieldStatus:
			out.Status = stringValue(value)
		case FieldPriority:
			out.Priority = stringValue(value)
		case FieldAssigneeID:
			out.AssigneeID = stringValue(value)
		case FieldSprintID:
			out.SprintID = stringValue(value)
		case FieldStoryPoints:
			out.StoryPoints = intValue(value)
		}
	}
	return out
}

// Matches reports whether every field named by d already holds d's value.
func (it Item) Matches(d Delta) bool {
	applied := it.Apply(d)
	for key := range d {
		if applied.Field(key) != it.Field(key) {
			return false
		}
	}
	return true
}

// Field returns the value of a recognized field, or nil for unknown names.
func (it Item) Field(name string) any {
	switch name {
	case FieldTitle:
		return it.Title
	case FieldDescription:
		return it.Description
	case FieldStatus:
		return it.Status
	case FieldPriority:
		return it.Priority
	case FieldAssigneeID:
		return it.AssigneeID
	case FieldSprintID:
		return it.SprintID
	case FieldStoryPoints:
		return it.StoryPoints
	default:
		return nil
	}
}

// Keys returns the delta's field names in sorted order.
func (d Delta) Keys() []string {
	out := make([]string, 0, len(d))
	for key := range d {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (d Delta) Clone() Delta {
	if d == nil {
		return nil
	}
	out := make(Delta, len(d))
	for key, value := range d {
		out[key] = value
	}
	return out
}

func DeltaFromJSON(data []byte) (Delta, error) {
	var d Delta
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrValidation, err)
	}
	if d == nil {
		return nil, fmt.Errorf("%w: delta must be a json object", ErrValidation)
	}
	return d, nil
}

func stringValue(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprint(typed)
	}
}

func intValue(v any) int {
	switch typed := v.(type) {
	case int:
		return typed
	case int32:
		return int(typed)
	case int64:
		return int(typed)
	case float64:
		return int(math.Round(typed))
	case json.Number:
		n, err := typed.Int64()
		if err != nil {
			f, _ := typed.Float64()
			return int(math.Round(f))
		}
		return int(n)
	default:
		return 0
	}
}

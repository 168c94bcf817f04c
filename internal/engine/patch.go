package engine

import (
	"bytes"
	"context"
	"encoding/json"

	"taskhub/internal/domain"
)

// DecodeTaskPatch reads an update body. Fields are decoded one at a time so a
// wrongly typed value is reported with the code of the field it belongs to.
// Unknown fields are ignored.
func DecodeTaskPatch(raw []byte) (TaskPatch, error) {
	var patch TaskPatch
	if len(bytes.TrimSpace(raw)) == 0 {
		return patch, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return patch, invalid(CodeBadRequest, "body", "request body must be a JSON object")
	}

	if v, ok := fields["description"]; ok {
		var s string
		if isNull(v) || json.Unmarshal(v, &s) != nil {
			return patch, invalid(CodeInvalidType, "description", "description must be a string")
		}
		patch.Description = &s
	}
	if v, ok := fields["status"]; ok {
		var s string
		if isNull(v) || json.Unmarshal(v, &s) != nil {
			return patch, invalid(CodeInvalidStatus, "status", "status must be one of pending, in_progress, completed, cancelled")
		}
		patch.Status = &s
	}
	if v, ok := fields["priority"]; ok {
		var s string
		if isNull(v) || json.Unmarshal(v, &s) != nil {
			return patch, invalid(CodeInvalidPriority, "priority", "priority must be one of low, medium, high, urgent")
		}
		patch.Priority = &s
	}
	if v, ok := fields["dueDate"]; ok {
		patch.DueDateSet = true
		if !isNull(v) {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return patch, invalid(CodeInvalidDueDate, "dueDate", "dueDate must be a date string or null")
			}
			due, err := ParseDueDate(s)
			if err != nil {
				return patch, err
			}
			patch.DueDate = &due
		}
	}
	if v, ok := fields["version"]; ok && !isNull(v) {
		var n int
		if err := json.Unmarshal(v, &n); err != nil {
			return patch, invalid(CodeBadRequest, "version", "version must be an integer")
		}
		patch.Version = &n
	}
	return patch, nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// UpdateTaskJSON decodes raw and applies it to task id. Existence and ownership
// are checked before body errors are reported, so a missing task reads as
// not found whatever the body holds.
func (e Engine) UpdateTaskJSON(ctx context.Context, p domain.Principal, id string, raw []byte, partial bool) (domain.Task, error) {
	patch, err := DecodeTaskPatch(raw)
	if err != nil {
		if _, gerr := e.GetTask(ctx, p, id); gerr != nil {
			return domain.Task{}, gerr
		}
		return domain.Task{}, err
	}
	return e.UpdateTask(ctx, p, id, patch, partial)
}

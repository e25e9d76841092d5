package services

import (
	"time"
)

// Rows produced by database.RowsToMaps carry normalized scalars: UUIDs and
// timestamps arrive as strings, JSONB as decoded documents. The helpers
// below turn those maps into the typed structs of this package. Missing or
// mistyped fields decode to zero values; callers validate what they need.

func rowString(row map[string]any, key string) string {
	s, _ := row[key].(string)
	return s
}

func rowBool(row map[string]any, key string) bool {
	b, _ := row[key].(bool)
	return b
}

func rowTime(row map[string]any, key string) time.Time {
	s, ok := row[key].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func rowDoc(row map[string]any, key string) map[string]any {
	doc, _ := row[key].(map[string]any)
	return doc
}

func projectFromRow(row map[string]any) *Project {
	return &Project{
		ID:        rowString(row, "project_id"),
		AccountID: rowString(row, "account_id"),
		Name:      rowString(row, "name"),
		IsPublic:  rowBool(row, "is_public"),
		Sandbox:   rowDoc(row, "sandbox"),
		CreatedAt: rowTime(row, "created_at"),
	}
}

func threadFromRow(row map[string]any) *Thread {
	return &Thread{
		ID:        rowString(row, "thread_id"),
		ProjectID: rowString(row, "project_id"),
		AccountID: rowString(row, "account_id"),
		Name:      rowString(row, "name"),
		Status:    rowString(row, "status"),
		IsPublic:  rowBool(row, "is_public"),
		HasImages: rowBool(row, "has_images"),
		Metadata:  rowDoc(row, "metadata"),
		CreatedAt: rowTime(row, "created_at"),
	}
}

// agentConfigFromRow maps an agents row. The config document may carry a
// "tools" array restricting which registered tools the agent sees.
func agentConfigFromRow(row map[string]any) *AgentConfig {
	cfg := &AgentConfig{
		AgentID:      rowString(row, "agent_id"),
		VersionID:    rowString(row, "current_version_id"),
		Name:         rowString(row, "name"),
		SystemPrompt: rowString(row, "system_prompt"),
		Model:        rowString(row, "model"),
		IsDefault:    rowBool(row, "is_default"),
	}
	doc := rowDoc(row, "config")
	if raw, ok := doc["tools"].([]any); ok {
		for _, v := range raw {
			if name, ok := v.(string); ok && name != "" {
				cfg.ToolNames = append(cfg.ToolNames, name)
			}
		}
	}
	return cfg
}

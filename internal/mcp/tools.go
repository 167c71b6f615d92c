package mcp

import (
	"fmt"

	"github.com/haasonsaas/argus/internal/models"
	"github.com/haasonsaas/argus/internal/store"
)

func (s *Server) registerTools() {
	s.addTool("list_agents",
		"List every observed agent with its aggregate counters.",
		`{
			"type": "object",
			"properties": {},
			"additionalProperties": false
		}`,
		func(args map[string]any) (any, error) {
			agents, err := s.store.ListAgents()
			if err != nil {
				return nil, err
			}
			return map[string]any{"agents": agents, "count": len(agents)}, nil
		})

	s.addTool("get_agent",
		"Fetch one agent by system prompt id.",
		`{
			"type": "object",
			"properties": {
				"system_prompt_id": {"type": "string", "minLength": 1}
			},
			"required": ["system_prompt_id"],
			"additionalProperties": false
		}`,
		func(args map[string]any) (any, error) {
			return s.store.GetAgent(stringArg(args, "system_prompt_id"))
		})

	s.addTool("list_sessions",
		"List sessions, optionally filtered by agent, prompt or status.",
		`{
			"type": "object",
			"properties": {
				"system_prompt_id": {"type": "string"},
				"agent_id": {"type": "string"},
				"status": {"type": "string", "enum": ["ACTIVE", "INACTIVE", "COMPLETED"]},
				"limit": {"type": "integer", "minimum": 1, "maximum": 500},
				"offset": {"type": "integer", "minimum": 0}
			},
			"additionalProperties": false
		}`,
		func(args map[string]any) (any, error) {
			sessions, err := s.store.ListSessions(store.ListSessionsOptions{
				SystemPromptID: stringArg(args, "system_prompt_id"),
				AgentID:        stringArg(args, "agent_id"),
				Status:         stringArg(args, "status"),
				Limit:          intArg(args, "limit"),
				Offset:         intArg(args, "offset"),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"sessions": sessions, "count": len(sessions)}, nil
		})

	s.addTool("get_session",
		"Fetch one session with its counters and recent events.",
		`{
			"type": "object",
			"properties": {
				"session_id": {"type": "string", "minLength": 1}
			},
			"required": ["session_id"],
			"additionalProperties": false
		}`,
		func(args map[string]any) (any, error) {
			return s.store.GetSession(stringArg(args, "session_id"))
		})

	s.addTool("get_behavioral_analysis",
		"Fetch the latest behavioral clustering result for an agent.",
		`{
			"type": "object",
			"properties": {
				"system_prompt_id": {"type": "string", "minLength": 1}
			},
			"required": ["system_prompt_id"],
			"additionalProperties": false
		}`,
		func(args map[string]any) (any, error) {
			return s.store.LatestBehavioralResult(stringArg(args, "system_prompt_id"))
		})

	s.addTool("get_findings",
		"List security findings for an agent, optionally by status.",
		`{
			"type": "object",
			"properties": {
				"system_prompt_id": {"type": "string", "minLength": 1},
				"status": {"type": "string", "enum": ["OPEN", "FIXED", "IGNORED"]},
				"limit": {"type": "integer", "minimum": 1, "maximum": 500}
			},
			"required": ["system_prompt_id"],
			"additionalProperties": false
		}`,
		func(args map[string]any) (any, error) {
			findings, err := s.store.ListFindings(store.ListFindingsOptions{
				SystemPromptID: stringArg(args, "system_prompt_id"),
				Status:         stringArg(args, "status"),
				Limit:          intArg(args, "limit"),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"findings": findings, "count": len(findings)}, nil
		})

	s.addTool("update_finding_status",
		"Move a finding to OPEN, FIXED or IGNORED with an optional note.",
		`{
			"type": "object",
			"properties": {
				"finding_id": {"type": "string", "minLength": 1},
				"status": {"type": "string", "enum": ["OPEN", "FIXED", "IGNORED"]},
				"note": {"type": "string"}
			},
			"required": ["finding_id", "status"],
			"additionalProperties": false
		}`,
		func(args map[string]any) (any, error) {
			id := stringArg(args, "finding_id")
			status := models.FindingStatus(stringArg(args, "status"))
			if err := s.store.UpdateFindingStatus(id, status, stringArg(args, "note")); err != nil {
				return nil, fmt.Errorf("update finding %s: %w", id, err)
			}
			return s.store.GetFinding(id)
		})
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return 0
}

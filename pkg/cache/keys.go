package cache

import (
	"fmt"
	"time"
)

// TTLs for every cache, in one place.
const (
	TTLAgentConfig    = time.Hour
	TTLAgentTools     = time.Hour
	TTLAgentType      = time.Hour
	TTLProjectMeta    = 5 * time.Minute
	TTLRunningRuns    = 5 * time.Second
	TTLThreadCount    = 5 * time.Minute
	TTLKBContext      = 5 * time.Minute
	TTLUserContext    = 15 * time.Minute
	TTLMessageHistory = time.Minute
	TTLTierInfo       = 10 * time.Minute
	TTLStreamHandle   = time.Hour
)

// AgentConfigKey caches one agent config version. version may be "" for the
// current version.
func AgentConfigKey(agentID, version string) string {
	if version == "" {
		return fmt.Sprintf("agent_config:%s", agentID)
	}
	return fmt.Sprintf("agent_config:%s:%s", agentID, version)
}

func AgentToolsKey(agentID string) string {
	return fmt.Sprintf("agent_mcps:%s", agentID)
}

func AgentTypeKey(agentID string) string {
	return fmt.Sprintf("agent_type:%s", agentID)
}

func ProjectMetaKey(projectID string) string {
	return fmt.Sprintf("project_meta:%s", projectID)
}

func RunningRunsKey(accountID string) string {
	return fmt.Sprintf("running_runs:%s", accountID)
}

func ThreadCountKey(accountID string) string {
	return fmt.Sprintf("thread_count:%s", accountID)
}

func KBContextKey(agentID string) string {
	return fmt.Sprintf("kb_context:%s", agentID)
}

func UserContextKey(userID string) string {
	return fmt.Sprintf("user_context:%s", userID)
}

func MessageHistoryKey(threadID string) string {
	return fmt.Sprintf("message_history:%s", threadID)
}

func TierInfoKey(accountID string) string {
	return fmt.Sprintf("tier_info:%s", accountID)
}

func StreamHandleKey(runID string) string {
	return fmt.Sprintf("agent_run_stream:%s", runID)
}

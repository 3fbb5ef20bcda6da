package orchestrator

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"
)

// Preferences are the caller's per-request options. Everything is optional;
// zero values mean "use routing".
type Preferences struct {
	// PreferredService skips classification-driven routing and attempts
	// this service directly, without probe gating.
	PreferredService string
	// TaskType overrides the classifier's category.
	TaskType string
	// Timeout overrides the routing timeout.
	Timeout time.Duration
	// ConversationID attaches the request to an existing conversation.
	// When absent, an id is derived from the prompt and the current hour.
	ConversationID string
	// UseMemory toggles context enrichment. Nil means enabled.
	UseMemory *bool
	// TaskID is a caller-supplied opaque id; generated when absent.
	TaskID string
	// BroadcastAll fans the prompt out to every available service.
	BroadcastAll bool
}

// MemoryEnabled resolves the tri-state UseMemory flag.
func (p Preferences) MemoryEnabled() bool {
	return p.UseMemory == nil || *p.UseMemory
}

// ParsePreferences decodes an untyped preference map, as delivered by API
// callers and peers, into the closed struct. Unknown keys are collected as
// warnings, never errors.
func ParsePreferences(raw map[string]any) (Preferences, []string) {
	var prefs Preferences
	var warnings []string

	for key, value := range raw {
		switch key {
		case "preferred_service":
			prefs.PreferredService, _ = value.(string)
		case "task_type":
			prefs.TaskType, _ = value.(string)
		case "timeout":
			switch v := value.(type) {
			case float64:
				prefs.Timeout = time.Duration(v * float64(time.Second))
			case int:
				prefs.Timeout = time.Duration(v) * time.Second
			default:
				warnings = append(warnings, fmt.Sprintf("preference %q: expected seconds, got %T", key, value))
			}
		case "conversation_id":
			prefs.ConversationID, _ = value.(string)
		case "use_memory":
			if b, ok := value.(bool); ok {
				prefs.UseMemory = &b
			} else {
				warnings = append(warnings, fmt.Sprintf("preference %q: expected bool, got %T", key, value))
			}
		case "task_id":
			prefs.TaskID, _ = value.(string)
		case "broadcast_all":
			prefs.BroadcastAll, _ = value.(bool)
		default:
			warnings = append(warnings, fmt.Sprintf("unknown preference %q ignored", key))
		}
	}
	return prefs, warnings
}

// Map renders the preferences back into the wire form stored on task
// records and forwarded to peers.
func (p Preferences) Map() map[string]any {
	out := make(map[string]any)
	if p.PreferredService != "" {
		out["preferred_service"] = p.PreferredService
	}
	if p.TaskType != "" {
		out["task_type"] = p.TaskType
	}
	if p.Timeout > 0 {
		out["timeout"] = p.Timeout.Seconds()
	}
	if p.ConversationID != "" {
		out["conversation_id"] = p.ConversationID
	}
	if p.UseMemory != nil {
		out["use_memory"] = *p.UseMemory
	}
	if p.TaskID != "" {
		out["task_id"] = p.TaskID
	}
	if p.BroadcastAll {
		out["broadcast_all"] = true
	}
	return out
}

// deriveConversationID buckets a prompt into an hourly conversation: an MD5
// over the first 100 characters plus the current hour. Distinct callers
// sharing a prompt fragment within the hour share the conversation; callers
// wanting isolation pass conversation_id explicitly.
func deriveConversationID(prompt string, now time.Time) string {
	head := prompt
	if len(head) > 100 {
		head = head[:100]
	}
	sum := md5.Sum([]byte(head))
	return fmt.Sprintf("conv_%s_%s", hex.EncodeToString(sum[:])[:8], now.Format("2006010215"))
}

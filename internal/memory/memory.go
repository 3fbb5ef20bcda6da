// Package memory is the append-only conversation store with crude
// similarity retrieval. The orchestrator writes a turn per request and
// pulls relevant history back in as prompt enrichment.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oxidehq/oxide/internal/data"
	"github.com/oxidehq/oxide/internal/logging"
	"github.com/oxidehq/oxide/pkg/types"
)

// searchScanLimit caps how many conversations one similarity search reads.
// Jaccard over word sets is linear in store size; this keeps it bounded.
const searchScanLimit = 200

// Memory wraps the store's conversations table. Every message append is a
// durable write. Operations on the same conversation are serialised;
// different conversations proceed in parallel.
type Memory struct {
	store *data.Store
	log   zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a Memory over the store.
func New(store *data.Store) *Memory {
	return &Memory{
		store: store,
		log:   logging.Component("memory"),
		locks: make(map[string]*sync.Mutex),
	}
}

// convLock returns the per-conversation mutex, creating it on first use.
func (m *Memory) convLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// Add appends one message, creating the conversation when absent. The
// returned message id is derived from the conversation id and timestamp.
func (m *Memory) Add(ctx context.Context, convID string, role types.Role, content string, meta map[string]string) (string, error) {
	if convID == "" {
		return "", fmt.Errorf("conversation id cannot be empty")
	}

	l := m.convLock(convID)
	l.Lock()
	defer l.Unlock()

	conv, err := m.store.GetConversation(ctx, convID)
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}
	now := time.Now()
	if conv == nil {
		conv = &types.Conversation{ID: convID, CreatedAt: now}
	}

	msg := types.Message{
		ID:        fmt.Sprintf("%s_%d", convID, now.UnixNano()),
		Role:      role,
		Content:   content,
		Timestamp: now,
		Metadata:  meta,
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = now

	if err := m.store.PutConversation(ctx, conv); err != nil {
		return "", fmt.Errorf("persist conversation: %w", err)
	}
	m.log.Debug().Str("conversation", convID).Str("role", string(role)).Int("messages", len(conv.Messages)).Msg("message appended")
	return msg.ID, nil
}

// Recent returns the last n messages of a conversation, newest first,
// optionally filtered to those newer than maxAge (zero disables the filter).
func (m *Memory) Recent(ctx context.Context, convID string, n int, maxAge time.Duration) ([]types.Message, error) {
	conv, err := m.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return nil, nil
	}

	var cutoff time.Time
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}

	var out []types.Message
	for i := len(conv.Messages) - 1; i >= 0 && len(out) < n; i-- {
		msg := conv.Messages[i]
		if !cutoff.IsZero() && msg.Timestamp.Before(cutoff) {
			break // messages are ordered; everything earlier is older still
		}
		out = append(out, msg)
	}
	return out, nil
}

// Match is one similarity hit.
type Match struct {
	Conversation *types.Conversation
	Score        float64
}

// SearchSimilar scores stored conversations against the query by Jaccard
// similarity over lowercase word sets and returns those at or above
// minSimilarity, best first. Intentionally crude and synchronous.
func (m *Memory) SearchSimilar(ctx context.Context, query string, limit int, minSimilarity float64) ([]Match, error) {
	if limit <= 0 {
		limit = 5
	}
	queryWords := wordSet(query)
	if len(queryWords) == 0 {
		return nil, nil
	}

	convs, err := m.store.ListConversations(ctx, searchScanLimit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	var matches []Match
	for _, conv := range convs {
		var b strings.Builder
		for _, msg := range conv.Messages {
			b.WriteString(msg.Content)
			b.WriteByte(' ')
		}
		score := jaccard(queryWords, wordSet(b.String()))
		if score >= minSimilarity {
			matches = append(matches, Match{Conversation: conv, Score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// ContextForTask gathers enrichment context: recent messages from
// conversations similar to the prompt, capped per conversation and filtered
// by age. Results follow match order (best conversation first), oldest
// message first within each.
func (m *Memory) ContextForTask(ctx context.Context, category, prompt string, searchLimit int, minSimilarity float64, maxPerConv, maxAgeHours int) ([]types.Message, error) {
	matches, err := m.SearchSimilar(ctx, prompt, searchLimit, minSimilarity)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-time.Duration(maxAgeHours) * time.Hour)
	var out []types.Message
	for _, match := range matches {
		msgs := match.Conversation.Messages
		start := len(msgs) - maxPerConv
		if start < 0 {
			start = 0
		}
		for _, msg := range msgs[start:] {
			if maxAgeHours > 0 && msg.Timestamp.Before(cutoff) {
				continue
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

// Prune deletes whole conversations not updated within the horizon.
func (m *Memory) Prune(ctx context.Context, maxAgeDays int) (int64, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	n, err := m.store.DeleteConversationsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info().Int64("deleted", n).Int("max_age_days", maxAgeDays).Msg("pruned stale conversations")
	}
	return n, nil
}

// wordSet tokenises text into a lowercase word set. Punctuation splits
// tokens; single characters are noise and dropped.
func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(word) > 1 {
			set[word] = struct{}{}
		}
	}
	return set
}

// jaccard is |a∩b| / |a∪b|.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

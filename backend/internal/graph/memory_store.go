package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nexo/backend/internal/issues"
)

// MemoryStore implements the same operations as Repository in process memory.
// It backs STORE_BACKEND=memory and serves as the store in tests. The mutex
// stands in for the database's own row locking.
type MemoryStore struct {
	mu sync.Mutex

	canonical     map[string]issues.CanonicalIssue
	canonicalSeq  []string
	aggIssues     map[string]issues.AggregateIssue
	aggConns      map[[2]string]issues.AggregateConnection
	userIssues    map[[2]string]issues.UserIssue
	userConns     []issues.UserConnection
	conversations map[string]issues.Conversation
	messages      []issues.Message
	profiles      map[string]issues.Profile
	reflections   map[string][]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		canonical:     make(map[string]issues.CanonicalIssue),
		aggIssues:     make(map[string]issues.AggregateIssue),
		aggConns:      make(map[[2]string]issues.AggregateConnection),
		userIssues:    make(map[[2]string]issues.UserIssue),
		conversations: make(map[string]issues.Conversation),
		profiles:      make(map[string]issues.Profile),
		reflections:   make(map[string][]string),
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneIssue(c issues.CanonicalIssue) issues.CanonicalIssue {
	c.Aliases = append([]string{}, c.Aliases...)
	return c
}

// ----------------------------------------------------------------------------
// Canonical issues
// ----------------------------------------------------------------------------

func (s *MemoryStore) ListActiveCanonicalIssues(ctx context.Context) ([]issues.CanonicalIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []issues.CanonicalIssue{}
	for _, id := range s.canonicalSeq {
		if c := s.canonical[id]; c.Matchable() {
			out = append(out, cloneIssue(c))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListCanonicalIssues(ctx context.Context) ([]issues.CanonicalIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]issues.CanonicalIssue, 0, len(s.canonicalSeq))
	for _, id := range s.canonicalSeq {
		out = append(out, cloneIssue(s.canonical[id]))
	}
	return out, nil
}

func (s *MemoryStore) GetCanonicalIssue(ctx context.Context, id string) (*issues.CanonicalIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.canonical[id]
	if !ok {
		return nil, fmt.Errorf("canonical issue %s: %w", id, issues.ErrNotFound)
	}
	c = cloneIssue(c)
	return &c, nil
}

func (s *MemoryStore) FindCanonicalIssueByName(ctx context.Context, name string) (*issues.CanonicalIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.findByNameLocked(name); ok {
		c = cloneIssue(c)
		return &c, nil
	}
	return nil, fmt.Errorf("canonical issue %q: %w", name, issues.ErrNotFound)
}

func (s *MemoryStore) findByNameLocked(name string) (issues.CanonicalIssue, bool) {
	name = strings.TrimSpace(name)
	for _, id := range s.canonicalSeq {
		if c := s.canonical[id]; strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return issues.CanonicalIssue{}, false
}

func (s *MemoryStore) CreateCanonicalIssue(ctx context.Context, name, description string) (issues.CanonicalIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name = strings.TrimSpace(name)
	if _, taken := s.findByNameLocked(name); taken {
		return issues.CanonicalIssue{}, fmt.Errorf("create %q: %w", name, issues.ErrDuplicateIssue)
	}

	c := issues.CanonicalIssue{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Aliases:     []string{},
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
	s.canonical[c.ID] = c
	s.canonicalSeq = append(s.canonicalSeq, c.ID)
	return cloneIssue(c), nil
}

func (s *MemoryStore) UpdateCanonicalIssueAliases(ctx context.Context, id string, aliases []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.canonical[id]
	if !ok {
		return fmt.Errorf("canonical issue %s: %w", id, issues.ErrNotFound)
	}
	c.Aliases = append([]string{}, aliases...)
	s.canonical[id] = c
	return nil
}

func (s *MemoryStore) MergeCanonicalIssue(ctx context.Context, sourceID, targetID string, targetAliases []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.canonical[sourceID]
	if !ok {
		return fmt.Errorf("merge source %s: %w", sourceID, issues.ErrNotFound)
	}
	target, ok := s.canonical[targetID]
	if !ok {
		return fmt.Errorf("merge target %s: %w", targetID, issues.ErrNotFound)
	}

	source.IsActive = false
	source.MergedIntoID = targetID
	target.Aliases = append([]string{}, targetAliases...)
	s.canonical[sourceID] = source
	s.canonical[targetID] = target
	return nil
}

// ----------------------------------------------------------------------------
// Aggregates
// ----------------------------------------------------------------------------

func cloneAggregate(a issues.AggregateIssue) issues.AggregateIssue {
	h := make(map[string]int, len(a.StanceHistogram))
	for k, v := range a.StanceHistogram {
		h[k] = v
	}
	a.StanceHistogram = h
	return a
}

func (s *MemoryStore) GetAggregateIssue(ctx context.Context, canonicalID string) (*issues.AggregateIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.aggIssues[canonicalID]
	if !ok {
		return nil, nil
	}
	a = cloneAggregate(a)
	return &a, nil
}

func (s *MemoryStore) ListAggregateIssues(ctx context.Context) ([]issues.AggregateIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]issues.AggregateIssue, 0, len(s.aggIssues))
	for _, a := range s.aggIssues {
		out = append(out, cloneAggregate(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnergyScore != out[j].EnergyScore {
			return out[i].EnergyScore > out[j].EnergyScore
		}
		return out[i].CanonicalIssueID < out[j].CanonicalIssueID
	})
	return out, nil
}

func (s *MemoryStore) PutAggregateIssue(ctx context.Context, agg issues.AggregateIssue, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.canonical[agg.CanonicalIssueID]; !ok {
		return fmt.Errorf("aggregate for %s: %w", agg.CanonicalIssueID, issues.ErrNotFound)
	}
	current, exists := s.aggIssues[agg.CanonicalIssueID]
	if (!exists && expectedVersion != 0) || (exists && current.Version != expectedVersion) {
		return fmt.Errorf("aggregate for %s: %w", agg.CanonicalIssueID, issues.ErrStaleWrite)
	}

	agg = cloneAggregate(agg)
	agg.Version = expectedVersion + 1
	agg.UpdatedAt = time.Now().UTC()
	s.aggIssues[agg.CanonicalIssueID] = agg
	return nil
}

func (s *MemoryStore) GetAggregateConnection(ctx context.Context, issueA, issueB string) (*issues.AggregateConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, b := issues.CanonicalPair(issueA, issueB)
	c, ok := s.aggConns[[2]string{a, b}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *MemoryStore) ListAggregateConnections(ctx context.Context) ([]issues.AggregateConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]issues.AggregateConnection, 0, len(s.aggConns))
	for _, c := range s.aggConns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalWeight != out[j].TotalWeight {
			return out[i].TotalWeight > out[j].TotalWeight
		}
		if out[i].IssueAID != out[j].IssueAID {
			return out[i].IssueAID < out[j].IssueAID
		}
		return out[i].IssueBID < out[j].IssueBID
	})
	return out, nil
}

func (s *MemoryStore) PutAggregateConnection(ctx context.Context, agg issues.AggregateConnection, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, b := issues.CanonicalPair(agg.IssueAID, agg.IssueBID)
	_, okA := s.canonical[a]
	_, okB := s.canonical[b]
	if !okA || !okB {
		return fmt.Errorf("aggregate connection %s-%s: %w", a, b, issues.ErrNotFound)
	}

	key := [2]string{a, b}
	current, exists := s.aggConns[key]
	if (!exists && expectedVersion != 0) || (exists && current.Version != expectedVersion) {
		return fmt.Errorf("aggregate connection %s-%s: %w", a, b, issues.ErrStaleWrite)
	}

	agg.IssueAID, agg.IssueBID = a, b
	agg.Version = expectedVersion + 1
	agg.UpdatedAt = time.Now().UTC()
	s.aggConns[key] = agg
	return nil
}

// ----------------------------------------------------------------------------
// User-scoped rows
// ----------------------------------------------------------------------------

func (s *MemoryStore) UpsertUserIssue(ctx context.Context, ui issues.UserIssue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.canonical[ui.CanonicalIssueID]; !ok {
		return fmt.Errorf("canonical issue %s: %w", ui.CanonicalIssueID, issues.ErrNotFound)
	}
	ui.Quotes = append([]string{}, ui.Quotes...)
	ui.UpdatedAt = time.Now().UTC()
	s.userIssues[[2]string{ui.UserID, ui.CanonicalIssueID}] = ui
	return nil
}

func (s *MemoryStore) ListUserIssues(ctx context.Context, userID string) ([]issues.UserIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []issues.UserIssue{}
	for key, ui := range s.userIssues {
		if key[0] == userID {
			out = append(out, ui)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].CanonicalIssueID < out[j].CanonicalIssueID
	})
	return out, nil
}

func (s *MemoryStore) AppendUserConnection(ctx context.Context, conn issues.UserConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
	}
	s.userConns = append(s.userConns, conn)
	return nil
}

func (s *MemoryStore) ListUserConnections(ctx context.Context, userID string) ([]issues.UserConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []issues.UserConnection{}
	for i := len(s.userConns) - 1; i >= 0; i-- {
		if s.userConns[i].UserID == userID {
			out = append(out, s.userConns[i])
		}
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Conversations and messages
// ----------------------------------------------------------------------------

func (s *MemoryStore) CreateConversation(ctx context.Context, userID string) (issues.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := issues.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	s.conversations[conv.ID] = conv
	return conv, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*issues.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, issues.ErrNotFound)
	}
	return &conv, nil
}

func (s *MemoryStore) GetActiveConversation(ctx context.Context, userID string) (*issues.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newest *issues.Conversation
	for _, conv := range s.conversations {
		if conv.UserID != userID || !conv.IsActive {
			continue
		}
		if newest == nil || conv.CreatedAt.After(newest.CreatedAt) {
			c := conv
			newest = &c
		}
	}
	return newest, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg issues.Message) (issues.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return issues.Message{}, fmt.Errorf("conversation %s: %w", msg.ConversationID, issues.ErrNotFound)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.UserID = conv.UserID
	msg.IncludedInRefresh = false
	s.messages = append(s.messages, msg)
	return msg, nil
}

// Messages are kept in append order, which is chronological.
func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]issues.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []issues.Message{}
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetUnprocessedMessages(ctx context.Context, userID string) ([]issues.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []issues.Message{}
	for _, m := range s.messages {
		if m.UserID == userID && !m.IncludedInRefresh {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, userID string, messageIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = true
	}
	for i := range s.messages {
		if s.messages[i].UserID == userID && ids[s.messages[i].ID] {
			s.messages[i].IncludedInRefresh = true
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Profile
// ----------------------------------------------------------------------------

func (s *MemoryStore) TouchProfileRefresh(ctx context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.profiles[userID]
	p.UserID = userID
	t := at.UTC()
	p.LastRefreshAt = &t
	p.TotalRefreshes++
	s.profiles[userID] = p
	return nil
}

func (s *MemoryStore) SaveReflectionPrompt(ctx context.Context, userID, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reflections[userID] = append(s.reflections[userID], prompt)
	return nil
}

func (s *MemoryStore) GetProfile(ctx context.Context, userID string) (issues.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.profiles[userID]
	p.UserID = userID
	if rs := s.reflections[userID]; len(rs) > 0 {
		p.LatestReflection = rs[len(rs)-1]
	}
	return p, nil
}

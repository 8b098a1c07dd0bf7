package refresh

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"nexo/backend/internal/aggregate"
	"nexo/backend/internal/extraction"
	"nexo/backend/internal/issues"
	"nexo/backend/internal/metrics"
	"nexo/backend/internal/resolver"
	apperrors "nexo/backend/pkg/errors"
	"nexo/backend/pkg/logger"
)

// Store is the user-scoped persistence a refresh cycle needs beyond the
// resolver and aggregation engine.
type Store interface {
	GetUnprocessedMessages(ctx context.Context, userID string) ([]issues.Message, error)
	MarkProcessed(ctx context.Context, userID string, messageIDs []string) error
	UpsertUserIssue(ctx context.Context, ui issues.UserIssue) error
	TouchProfileRefresh(ctx context.Context, userID string, at time.Time) error
	SaveReflectionPrompt(ctx context.Context, userID, prompt string) error
}

// Extractor turns a batch of turns into issues and connections.
type Extractor interface {
	Extract(ctx context.Context, messages []issues.Message) (*extraction.Result, error)
}

// Result is what a finished cycle reports. Counts cover what was persisted,
// so a partial failure shows up as a lower count.
type Result struct {
	Success              bool
	IssuesExtracted      int
	ConnectionsExtracted int
	MessagesProcessed    int
	ReflectionPrompt     string
	State                State
}

// Orchestrator runs refresh cycles.
type Orchestrator struct {
	store     Store
	extractor Extractor
	resolver  *resolver.Resolver
	engine    *aggregate.Engine
	reflector Reflector
	logger    *zap.Logger
}

// NewOrchestrator creates a new refresh orchestrator. reflector may be nil
// to disable reflection prompts.
func NewOrchestrator(store Store, extractor Extractor, res *resolver.Resolver, engine *aggregate.Engine, reflector Reflector) *Orchestrator {
	return &Orchestrator{
		store:     store,
		extractor: extractor,
		resolver:  res,
		engine:    engine,
		reflector: reflector,
		logger:    logger.Named("refresh"),
	}
}

// cycle carries one run's bookkeeping.
type cycle struct {
	userID string
	state  State
	logger *zap.Logger
}

func (c *cycle) enter(s State) {
	c.logger.Debug("Refresh state change",
		zap.Stringer("from", c.state),
		zap.Stringer("to", s),
	)
	c.state = s
}

// Run executes one refresh cycle for userID. Only an auth failure, a parse
// failure or a failure to read or mark messages is returned as an error;
// per-issue problems are logged and skipped.
func (o *Orchestrator) Run(ctx context.Context, userID string) (*Result, error) {
	start := time.Now()
	c := &cycle{userID: userID, state: StateIdle, logger: o.logger.With(zap.String("user_id", userID))}

	res, err := o.run(ctx, c)

	outcome := "success"
	switch {
	case apperrors.IsErrorType(err, apperrors.ErrorTypeParse):
		outcome = "parse_failure"
	case err != nil:
		outcome = "error"
	case res.MessagesProcessed == 0:
		outcome = "empty"
	}
	metrics.RefreshCycles.WithLabelValues(outcome).Inc()
	metrics.RefreshDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		c.enter(StateAborted)
		c.logger.Warn("Refresh cycle aborted", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, err
	}
	c.logger.Info("Refresh cycle completed",
		zap.Int("messages", res.MessagesProcessed),
		zap.Int("issues", res.IssuesExtracted),
		zap.Int("connections", res.ConnectionsExtracted),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, c *cycle) (*Result, error) {
	if c.userID == "" {
		return nil, apperrors.NewAuthFailure("missing user", nil)
	}

	// 1. Fetch unprocessed turns
	c.enter(StateFetchingMessages)
	messages, err := o.store.GetUnprocessedMessages(ctx, c.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	if len(messages) == 0 {
		c.enter(StateAborted)
		return &Result{Success: true, State: StateAborted}, nil
	}

	// 2. One extraction call for the whole batch
	c.enter(StateExtracting)
	analysis, err := o.extractor.Extract(ctx, messages)
	if err != nil {
		return nil, err
	}
	metrics.IssuesExtracted.Add(float64(len(analysis.Issues)))
	metrics.ConnectionsExtracted.Add(float64(len(analysis.Connections)))

	// 3. Resolve and aggregate each issue in order
	c.enter(StateResolvingIssues)
	batch, err := o.resolver.NewBatch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load canonical issues: %w", err)
	}

	resolved := make(map[string]string, len(analysis.Issues))
	issuesPersisted := 0
	for _, ex := range analysis.Issues {
		canonicalID, ok := o.applyIssue(ctx, c, batch, ex)
		if canonicalID != "" {
			resolved[ex.Name] = canonicalID
		}
		if ok {
			issuesPersisted++
		}
	}

	// 4. Connections between issues resolved in this batch
	c.enter(StatePersistingConnections)
	connectionsPersisted := 0
	for _, conn := range analysis.UsableConnections() {
		idA, okA := resolved[conn.IssueA]
		idB, okB := resolved[conn.IssueB]
		if !okA || !okB || idA == idB {
			c.logger.Debug("Dropping connection without two resolved issues",
				zap.String("issue_a", conn.IssueA),
				zap.String("issue_b", conn.IssueB),
			)
			continue
		}
		a, b := issues.CanonicalPair(idA, idB)
		if err := o.engine.ApplyConnection(ctx, c.userID, a, b, conn.Type, conn.Evidence); err != nil {
			metrics.ContainedFailures.WithLabelValues("connection").Inc()
			c.logger.Warn("Failed to persist connection",
				zap.String("issue_a", conn.IssueA),
				zap.String("issue_b", conn.IssueB),
				zap.Error(err),
			)
			continue
		}
		connectionsPersisted++
	}

	// An abandoned cycle must leave its messages for the next attempt.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("refresh cancelled before marking messages: %w", err)
	}

	// 5. Mark the whole batch, even when nothing was extracted
	c.enter(StateMarkingProcessed)
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	if err := o.store.MarkProcessed(ctx, c.userID, ids); err != nil {
		return nil, fmt.Errorf("failed to mark messages processed: %w", err)
	}

	// 6. Profile bookkeeping
	c.enter(StateUpdatingProfile)
	if err := o.store.TouchProfileRefresh(ctx, c.userID, time.Now().UTC()); err != nil {
		metrics.ContainedFailures.WithLabelValues("profile").Inc()
		c.logger.Warn("Failed to update profile", zap.Error(err))
	}

	result := &Result{
		Success:              true,
		IssuesExtracted:      issuesPersisted,
		ConnectionsExtracted: connectionsPersisted,
		MessagesProcessed:    len(messages),
	}

	// 7. Optional reflection prompt
	if len(analysis.Issues) > 0 {
		result.ReflectionPrompt = o.reflect(ctx, c, analysis.Issues)
	}

	c.enter(StateDone)
	result.State = StateDone
	return result, nil
}

// applyIssue resolves one extracted issue, records the user's stance and
// folds it into the aggregate. It returns the canonical id when resolution
// succeeded and whether the whole contribution was persisted.
func (o *Orchestrator) applyIssue(ctx context.Context, c *cycle, batch *resolver.Batch, ex extraction.ExtractedIssue) (string, bool) {
	res, err := batch.Resolve(ctx, ex.Name)
	if err != nil {
		o.containIssueFailure(c, ex.Name, "resolve issue", err)
		return "", false
	}

	if err := o.store.UpsertUserIssue(ctx, issues.UserIssue{
		UserID:           c.userID,
		CanonicalIssueID: res.CanonicalID,
		Stance:           ex.Stance,
		Intensity:        aggregate.ClampIntensity(ex.Intensity),
		Confidence:       ex.Confidence,
		Quotes:           ex.Quotes,
	}); err != nil {
		o.containIssueFailure(c, ex.Name, "upsert user issue", err)
		return res.CanonicalID, false
	}

	c.enter(StateAggregating)
	_, err = o.engine.ApplyIssue(ctx, res.CanonicalID, aggregate.Contribution{
		Stance:     ex.Stance,
		Intensity:  ex.Intensity,
		Confidence: ex.Confidence,
	})
	c.enter(StateResolvingIssues)
	if err != nil {
		o.containIssueFailure(c, ex.Name, "update aggregate", err)
		return res.CanonicalID, false
	}
	return res.CanonicalID, true
}

func (o *Orchestrator) containIssueFailure(c *cycle, name, step string, err error) {
	metrics.ContainedFailures.WithLabelValues("issue").Inc()
	c.logger.Warn("Skipping issue contribution",
		zap.Error(apperrors.NewPartialPersistenceFailure(name, step, err)),
	)
}

func (o *Orchestrator) reflect(ctx context.Context, c *cycle, positions []extraction.ExtractedIssue) string {
	if o.reflector == nil {
		return ""
	}

	prompt, err := o.reflector.Reflect(ctx, positions)
	if err != nil {
		o.containEnhancementFailure(c, "generate reflection prompt", err)
		return ""
	}
	if prompt == "" {
		return ""
	}
	if err := o.store.SaveReflectionPrompt(ctx, c.userID, prompt); err != nil {
		o.containEnhancementFailure(c, "save reflection prompt", err)
	}
	return prompt
}

func (o *Orchestrator) containEnhancementFailure(c *cycle, step string, err error) {
	metrics.ContainedFailures.WithLabelValues("enhancement").Inc()
	c.logger.Warn("Reflection prompt skipped",
		zap.Error(apperrors.NewEnhancementFailure(step, err)),
	)
}

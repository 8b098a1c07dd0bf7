package constellation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nexo/backend/internal/issues"
	"nexo/backend/pkg/logger"
)

// Store is the read side the constellation views need.
type Store interface {
	ListCanonicalIssues(ctx context.Context) ([]issues.CanonicalIssue, error)
	ListAggregateIssues(ctx context.Context) ([]issues.AggregateIssue, error)
	ListAggregateConnections(ctx context.Context) ([]issues.AggregateConnection, error)
	ListUserIssues(ctx context.Context, userID string) ([]issues.UserIssue, error)
	ListUserConnections(ctx context.Context, userID string) ([]issues.UserConnection, error)
	GetProfile(ctx context.Context, userID string) (issues.Profile, error)
}

// Node is one active issue in the shared constellation.
type Node struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Description      string  `json:"description,omitempty"`
	Energy           float64 `json:"energy"`
	NormalizedEnergy float64 `json:"normalized_energy"`
	Consensus        float64 `json:"consensus"`
	ConsensusLabel   string  `json:"consensus_label"`
	Members          int     `json:"members"`
	DominantStance   string  `json:"dominant_stance,omitempty"`
}

// Link is an aggregate connection between two active issues.
type Link struct {
	IssueAID         string  `json:"issue_a_id"`
	IssueBID         string  `json:"issue_b_id"`
	IssueAName       string  `json:"issue_a_name"`
	IssueBName       string  `json:"issue_b_name"`
	Weight           int     `json:"weight"`
	NormalizedWeight float64 `json:"normalized_weight"`
	UserCount        int     `json:"user_count"`
}

// Snapshot is the whole shared constellation.
type Snapshot struct {
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`
}

// MineIssue is one of the caller's stances with its canonical name.
type MineIssue struct {
	issues.UserIssue
	Name string `json:"name"`
}

// MineConnection is one of the caller's connections with endpoint names.
type MineConnection struct {
	issues.UserConnection
	IssueAName string `json:"issue_a_name"`
	IssueBName string `json:"issue_b_name"`
}

// Mine is the caller's personal view.
type Mine struct {
	Issues           []MineIssue      `json:"issues"`
	Connections      []MineConnection `json:"connections"`
	LastRefreshAt    *time.Time       `json:"last_refresh_at"`
	TotalRefreshes   int              `json:"total_refreshes"`
	LatestReflection string           `json:"latest_reflection,omitempty"`
}

// Service builds the constellation read models.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates a new constellation service
func NewService(store Store) *Service {
	return &Service{store: store, logger: logger.Named("constellation")}
}

// ConsensusLabel buckets a consensus score for display.
func ConsensusLabel(c float64) string {
	switch {
	case c > 0.6:
		return "High consensus"
	case c > 0.4:
		return "Mixed views"
	default:
		return "Deep division"
	}
}

// DominantStance returns the most common stance bucket. Ties go to the
// lexically smaller key so the answer is stable.
func DominantStance(hist map[string]int) string {
	best, bestCount := "", 0
	for key, n := range hist {
		if n > bestCount || (n == bestCount && key < best) {
			best, bestCount = key, n
		}
	}
	return best
}

// Shared returns every active issue, highest energy first, and the links
// between active issues.
func (s *Service) Shared(ctx context.Context) (*Snapshot, error) {
	var (
		canon []issues.CanonicalIssue
		aggs  []issues.AggregateIssue
		conns []issues.AggregateConnection
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		canon, err = s.store.ListCanonicalIssues(gctx)
		if err != nil {
			return fmt.Errorf("failed to list canonical issues: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		aggs, err = s.store.ListAggregateIssues(gctx)
		if err != nil {
			return fmt.Errorf("failed to list aggregate issues: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		conns, err = s.store.ListAggregateConnections(gctx)
		if err != nil {
			return fmt.Errorf("failed to list aggregate connections: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byID := make(map[string]issues.AggregateIssue, len(aggs))
	for _, a := range aggs {
		byID[a.CanonicalIssueID] = a
	}

	names := make(map[string]string, len(canon))
	nodes := make([]Node, 0, len(canon))
	maxEnergy := 0.0
	for _, c := range canon {
		if !c.Matchable() {
			continue
		}
		names[c.ID] = c.Name
		agg := byID[c.ID]
		nodes = append(nodes, Node{
			ID:             c.ID,
			Name:           c.Name,
			Description:    c.Description,
			Energy:         agg.EnergyScore,
			Consensus:      agg.ConsensusScore,
			ConsensusLabel: ConsensusLabel(agg.ConsensusScore),
			Members:        agg.TotalUsers,
			DominantStance: DominantStance(agg.StanceHistogram),
		})
		if agg.EnergyScore > maxEnergy {
			maxEnergy = agg.EnergyScore
		}
	}
	for i := range nodes {
		if maxEnergy > 0 {
			nodes[i].NormalizedEnergy = nodes[i].Energy / maxEnergy
		}
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Energy != nodes[j].Energy {
			return nodes[i].Energy > nodes[j].Energy
		}
		return nodes[i].Name < nodes[j].Name
	})

	links := make([]Link, 0, len(conns))
	maxWeight := 0
	for _, c := range conns {
		nameA, okA := names[c.IssueAID]
		nameB, okB := names[c.IssueBID]
		if !okA || !okB {
			continue
		}
		links = append(links, Link{
			IssueAID:   c.IssueAID,
			IssueBID:   c.IssueBID,
			IssueAName: nameA,
			IssueBName: nameB,
			Weight:     c.TotalWeight,
			UserCount:  c.UserCount,
		})
		if c.TotalWeight > maxWeight {
			maxWeight = c.TotalWeight
		}
	}
	for i := range links {
		if maxWeight > 0 {
			links[i].NormalizedWeight = float64(links[i].Weight) / float64(maxWeight)
		}
	}

	s.logger.Debug("Built shared constellation",
		zap.Int("nodes", len(nodes)),
		zap.Int("links", len(links)),
	)
	return &Snapshot{Nodes: nodes, Links: links}, nil
}

// Mine returns userID's stances, connections and refresh bookkeeping.
// Names of merged issues are still resolved so older stances stay readable.
func (s *Service) Mine(ctx context.Context, userID string) (*Mine, error) {
	var (
		canon   []issues.CanonicalIssue
		stances []issues.UserIssue
		conns   []issues.UserConnection
		profile issues.Profile
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		canon, err = s.store.ListCanonicalIssues(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		stances, err = s.store.ListUserIssues(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		conns, err = s.store.ListUserConnections(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		profile, err = s.store.GetProfile(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load user view: %w", err)
	}

	names := make(map[string]string, len(canon))
	for _, c := range canon {
		names[c.ID] = c.Name
	}

	mine := &Mine{
		Issues:           make([]MineIssue, 0, len(stances)),
		Connections:      make([]MineConnection, 0, len(conns)),
		LastRefreshAt:    profile.LastRefreshAt,
		TotalRefreshes:   profile.TotalRefreshes,
		LatestReflection: profile.LatestReflection,
	}
	for _, ui := range stances {
		mine.Issues = append(mine.Issues, MineIssue{UserIssue: ui, Name: names[ui.CanonicalIssueID]})
	}
	for _, uc := range conns {
		mine.Connections = append(mine.Connections, MineConnection{
			UserConnection: uc,
			IssueAName:     names[uc.IssueAID],
			IssueBName:     names[uc.IssueBID],
		})
	}
	return mine, nil
}

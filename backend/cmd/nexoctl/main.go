// Command nexoctl runs operator tasks against the Nexo store: applying the
// schema, seeding starter issues, merging duplicate issues and minting
// development tokens.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"nexo/backend/internal/auth"
	"nexo/backend/internal/graph"
	"nexo/backend/internal/issues"
	"nexo/backend/internal/resolver"
	"nexo/backend/pkg/config"
	"nexo/backend/pkg/logger"
)

const usage = `usage: nexoctl <command> [flags]

commands:
  schema                          apply Neo4j constraints
  seed                            create the starter canonical issues
  merge -source ID -target ID     fold one canonical issue into another
  token -user ID [-ttl 24h]       print a signed bearer token
`

// starterIssues gives a fresh constellation something to match against.
var starterIssues = []struct{ name, description string }{
	{"Housing affordability", "Rents, house prices and who gets to live where."},
	{"AI regulation", "Rules for building and deploying AI systems."},
	{"Immigration policy", "Who can come, how, and what they are entitled to."},
	{"Climate action", "Emissions targets, energy transition and who pays."},
	{"Healthcare access", "How care is funded and delivered."},
	{"Economic inequality", "Income and wealth gaps and what to do about them."},
	{"Free speech online", "Platform moderation and government intervention."},
	{"Drug policy", "Criminalisation, harm reduction and regulation."},
	{"Education funding", "Public school investment and teacher pay."},
	{"Criminal justice", "Policing, sentencing and rehabilitation."},
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	// Initialize logger
	if err := logger.Init("development"); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()
	log := logger.Get()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	if err := run(context.Background(), cfg, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		log.Fatal("Command failed", zap.String("command", os.Args[1]), zap.Error(err))
	}
}

// run dispatches one command. Store-backed commands open the configured
// backend for the duration of the call.
func run(ctx context.Context, cfg *config.Config, cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(out)

	switch cmd {
	case "token":
		user := fs.String("user", "", "User id to put in the token subject")
		ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *user == "" {
			return errors.New("-user is required")
		}
		tok, err := auth.SignToken(*user, []byte(cfg.JWTSecret), *ttl)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		fmt.Fprintln(out, tok)
		return nil

	case "schema":
		if cfg.StoreBackend != config.StoreNeo4j {
			return errors.New("schema only applies to the neo4j backend")
		}
		repo, err := graph.Connect(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
		if err != nil {
			return err
		}
		defer repo.Close()
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "schema applied")
		return nil

	case "seed", "merge":
		st, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()
		return runStoreCommand(ctx, st, cmd, fs, args, out)

	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runStoreCommand(ctx context.Context, st resolver.Store, cmd string, fs *flag.FlagSet, args []string, out io.Writer) error {
	switch cmd {
	case "seed":
		if err := fs.Parse(args); err != nil {
			return err
		}
		created, err := seed(ctx, st)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "created %d of %d starter issues\n", created, len(starterIssues))
		return nil

	case "merge":
		source := fs.String("source", "", "Canonical issue id to retire")
		target := fs.String("target", "", "Canonical issue id that absorbs it")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *source == "" || *target == "" {
			return errors.New("-source and -target are required")
		}
		// The matcher is never consulted by Merge.
		if err := resolver.New(st, resolver.NewLexicalMatcher(0)).Merge(ctx, *source, *target); err != nil {
			return err
		}
		fmt.Fprintf(out, "merged %s into %s\n", *source, *target)
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// seed creates the starter issues that do not exist yet and reports how many
// it created.
func seed(ctx context.Context, st resolver.Store) (int, error) {
	log := logger.Named("seed")
	created := 0
	for _, s := range starterIssues {
		_, err := st.CreateCanonicalIssue(ctx, s.name, s.description)
		if errors.Is(err, issues.ErrDuplicateIssue) {
			log.Debug("Issue already exists", zap.String("name", s.name))
			continue
		}
		if err != nil {
			return created, fmt.Errorf("failed to create %q: %w", s.name, err)
		}
		created++
	}
	return created, nil
}

func openStore(ctx context.Context, cfg *config.Config) (resolver.Store, func(), error) {
	if cfg.StoreBackend == config.StoreMemory {
		return graph.NewMemoryStore(), func() {}, nil
	}
	repo, err := graph.Connect(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
	if err != nil {
		return nil, nil, err
	}
	return repo, func() { _ = repo.Close() }, nil
}

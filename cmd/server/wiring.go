package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"

	"github.com/linnemanlabs/go-core/log"

	lc "github.com/linnemanlabs/loandesk/internal/cfg"
	"github.com/linnemanlabs/loandesk/internal/extcall"
	"github.com/linnemanlabs/loandesk/internal/llm/claude"
	"github.com/linnemanlabs/loandesk/internal/llm/openai"
	"github.com/linnemanlabs/loandesk/internal/postgres"
	"github.com/linnemanlabs/loandesk/internal/taxonomy"
	"github.com/linnemanlabs/loandesk/internal/triage"
	"github.com/linnemanlabs/loandesk/internal/triage/memstore"
	"github.com/linnemanlabs/loandesk/internal/triage/pgstore"
	"github.com/linnemanlabs/loandesk/internal/triage/sqlitestore"
)

// loadEnvFile loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func loadEnvFile(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("load env file %s: %w", path, err)
	}
	return true, nil
}

func loadTaxonomy(path string) (*taxonomy.Taxonomy, error) {
	if path == "" {
		return taxonomy.Default(), nil
	}
	tax, err := taxonomy.Load(path)
	if err != nil {
		return nil, fmt.Errorf("taxonomy: %w", err)
	}
	return tax, nil
}

func callPolicy(c *lc.Config) extcall.Policy {
	p := extcall.DefaultPolicy()
	p.Timeout = time.Duration(c.CallTimeoutSecs) * time.Second
	p.MaxAttempts = c.CallMaxAttempts
	return p
}

// newGenerator builds the generative model client the config selects and
// returns it with its model name.
func newGenerator(c *lc.Config) (triage.Generator, string) {
	if c.LLMProvider == lc.ProviderOpenAI {
		return openai.NewGenerator(openai.Config{
			APIKey:    c.OpenAIAPIKey,
			BaseURL:   c.OpenAIBaseURL,
			Model:     c.OpenAIModel,
			MaxTokens: c.ModelMaxTokens,
		}), c.OpenAIModel
	}
	return claude.New(claude.Config{
		APIKey:    c.ClaudeAPIKey,
		Model:     c.ClaudeModel,
		MaxTokens: c.ModelMaxTokens,
	}), c.ClaudeModel
}

func newEncoder(c *lc.Config) *openai.Encoder {
	return openai.NewEncoder(openai.Config{
		APIKey:  c.OpenAIAPIKey,
		BaseURL: c.OpenAIBaseURL,
		Model:   c.EmbeddingModel,
	})
}

// openStore opens the record store the config selects. The returned close
// function releases it and is never nil.
func openStore(ctx context.Context, c *lc.Config, L log.Logger) (triage.Store, func(), error) {
	switch c.StoreKind() {
	case "postgres":
		pool, err := postgres.NewPool(ctx, c.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres store")
		return pgStore, pool.Close, nil
	case "sqlite":
		s, err := sqlitestore.Open(ctx, c.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlitestore init: %w", err)
		}
		L.Info(ctx, "using sqlite store", "path", c.SQLitePath)
		return s, func() {
			if err := s.Close(); err != nil {
				L.Error(context.Background(), err, "sqlite close")
			}
		}, nil
	default:
		L.Info(ctx, "using in-memory store (no database-url or sqlite-path configured)")
		return memstore.New(), func() {}, nil
	}
}

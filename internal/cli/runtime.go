package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ashureev/graphchat/internal/config"
	"github.com/ashureev/graphchat/internal/dialogue"
	"github.com/ashureev/graphchat/internal/llm"
	"github.com/ashureev/graphchat/internal/store"
	"github.com/ashureev/graphchat/internal/tools"
)

// errModelNotConfigured is what every turn fails with when no backend has credentials.
var errModelNotConfigured = errors.New("no model backend configured: set OPENAI_API_KEY or AZURE_OPENAI_ENDPOINT and AZURE_OPENAI_API_KEY")

// runtime is the assembled assistant: tools, gateway, loop and store.
type runtime struct {
	store    store.CheckpointStore
	registry *tools.Registry
	gateway  llm.Gateway
	loop     *dialogue.Loop
	model    string
	mcp      *tools.MCPToolset
}

func newGateway(cfg *config.Config) (llm.Gateway, string, error) {
	m := cfg.Model
	if !m.Configured() {
		slog.Warn("Model backend not configured, chat turns will fail")
		return llm.GatewayFunc(func(context.Context, llm.Request) (llm.Reply, error) {
			return nil, errModelNotConfigured
		}), "", nil
	}

	oc := llm.OpenAIConfig{
		APIKey:       m.APIKey,
		BaseURL:      m.BaseURL,
		Model:        m.Model,
		SystemPrompt: m.SystemPrompt,
	}
	if m.UseAzure() {
		oc.APIKey = m.AzureAPIKey
		oc.Model = m.AzureDeployment
		oc.AzureEndpoint = m.AzureEndpoint
		oc.AzureAPIVersion = m.AzureAPIVersion
		oc.BaseURL = ""
	}
	gw, err := llm.NewOpenAI(oc)
	if err != nil {
		return nil, "", fmt.Errorf("create model gateway: %w", err)
	}
	return gw, oc.Model, nil
}

func newRegistry(ctx context.Context, cfg *config.Config) (*tools.Registry, *tools.MCPToolset, error) {
	httpClient := &http.Client{Timeout: cfg.Tools.Timeout}
	reg := tools.NewRegistry(tools.WithTimeout(cfg.Tools.Timeout))
	if err := reg.Register(
		tools.NewCalculator(),
		tools.NewWebSearch(cfg.Tools.SearchEndpoint, httpClient),
		tools.NewStockPrice(cfg.Tools.StockEndpoint, cfg.Tools.StockAPIKey, httpClient),
	); err != nil {
		return nil, nil, err
	}

	if cfg.Tools.MCPCalculatorCmd == "" {
		return reg, nil, nil
	}

	transport, err := tools.CommandTransport(ctx, cfg.Tools.MCPCalculatorCmd)
	if err != nil {
		return nil, nil, err
	}
	toolset, err := tools.ConnectMCP(ctx, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("connect MCP tool server: %w", err)
	}
	remote, err := toolset.Tools(ctx)
	if err != nil {
		_ = toolset.Close()
		return nil, nil, fmt.Errorf("list MCP tools: %w", err)
	}
	if err := reg.Register(remote...); err != nil {
		_ = toolset.Close()
		return nil, nil, err
	}
	slog.Info("Registered MCP tools", "count", len(remote), "command", cfg.Tools.MCPCalculatorCmd)
	return reg, toolset, nil
}

func newRuntime(ctx context.Context, cfg *config.Config, st store.CheckpointStore, stream bool) (*runtime, error) {
	gw, model, err := newGateway(cfg)
	if err != nil {
		return nil, err
	}
	reg, toolset, err := newRegistry(ctx, cfg)
	if err != nil {
		return nil, err
	}

	loop, err := dialogue.NewLoop(gw, reg, st,
		dialogue.WithMaxModelTurns(cfg.Dialogue.MaxModelTurns),
		dialogue.WithToolConcurrency(cfg.Tools.Concurrency),
		dialogue.WithStreaming(stream),
	)
	if err != nil {
		if toolset != nil {
			_ = toolset.Close()
		}
		return nil, err
	}

	slog.Info("Assistant ready", "model", model, "tools", reg.Names(), "max_model_turns", cfg.Dialogue.MaxModelTurns)
	return &runtime{
		store:    st,
		registry: reg,
		gateway:  gw,
		loop:     loop,
		model:    model,
		mcp:      toolset,
	}, nil
}

// Close releases the MCP session. The store is owned by the caller.
func (rt *runtime) Close() {
	if rt.mcp != nil {
		if err := rt.mcp.Close(); err != nil {
			slog.Debug("Failed to close MCP session", "error", err)
		}
	}
}

func openStore(cfg *config.Config, ephemeral bool) (store.CheckpointStore, error) {
	if ephemeral {
		return store.NewMemory(), nil
	}
	st, err := store.NewSQLite(cfg.DBPath, store.WithRetention(cfg.CheckpointRetention))
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return st, nil
}

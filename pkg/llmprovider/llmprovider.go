// Package llmprovider is the external LLM-provider boundary: an
// invocable external command fed a prompt on stdin and returning text or
// JSON on stdout. The default implementation is process-backed (pkg/process);
// callers needing a different provider transport implement Provider.
package llmprovider

import (
	"context"

	"github.com/agentmesh/orchestrator/pkg/cost"
	"github.com/agentmesh/orchestrator/pkg/process"
)

// Request is the invocation shape of the external-command contract.
type Request struct {
	Command   string
	Args      []string
	Dir       string
	TimeoutMs int
	Input     string
}

// Response is the result shape of the external-command contract.
type Response struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	DurationMs int64
	Usage      cost.TokenUsage
}

// Provider invokes an external LLM command and reports its result.
type Provider interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// ProcessProvider is the default Provider, backed by pkg/process.Runner.
type ProcessProvider struct {
	runner *process.Runner
}

// NewProcessProvider wraps an existing process.Runner.
func NewProcessProvider(runner *process.Runner) *ProcessProvider {
	return &ProcessProvider{runner: runner}
}

// Invoke runs req.Command as a child process and maps the result.
func (p *ProcessProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	result, err := p.runner.Run(ctx, process.Spec{
		Command:   req.Command,
		Args:      req.Args,
		Stdin:     req.Input,
		Dir:       req.Dir,
		TimeoutMs: req.TimeoutMs,
	})
	if result == nil {
		return nil, err
	}
	resp := &Response{
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		ExitCode:   result.ExitCode,
		DurationMs: result.Duration.Milliseconds(),
		Usage:      cost.Estimate(req.Input, ""),
	}
	return resp, err
}

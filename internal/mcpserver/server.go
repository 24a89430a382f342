// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Atlas tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hollis/atlas/internal/apperr"
	"github.com/hollis/atlas/internal/cache"
	"github.com/hollis/atlas/internal/pipeline"
	"github.com/hollis/atlas/internal/storage"
	"github.com/hollis/atlas/internal/workspace"
)

// Server wraps the MCP server with Atlas tools.
type Server struct {
	mcp   *server.MCPServer
	svc   *workspace.Service
	store storage.Provider
}

// New creates a new MCP server with all Atlas tools registered.
func New(svc *workspace.Service, store storage.Provider) *Server {
	s := &Server{svc: svc, store: store}

	s.mcp = server.NewMCPServer(
		"Atlas",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("resolve_entity",
		mcp.WithDescription("Resolve a free-form reference (id, name, or unique fragment) to an entity id. "+
			"Fails with candidates when the reference is ambiguous."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Entity reference, e.g. 'acme' or 'accounts/acme-corp'")),
	), s.resolveEntity)

	s.mcp.AddTool(mcp.NewTool("entity_context",
		mcp.WithDescription("Full assembled context for one account or project: vitals and intelligence "+
			"with freshness levels, open actions, recent meetings, and indexed content."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Entity id, e.g. accounts/acme-corp")),
	), s.entityContext)

	s.mcp.AddTool(mcp.NewTool("person_context",
		mcp.WithDescription("Profile, associated entities, and recent meetings for one person."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Person key, e.g. an email address or person id")),
	), s.personContext)

	s.mcp.AddTool(mcp.NewTool("list_actions",
		mcp.WithDescription("List action items, optionally filtered by entity, person, status, or overdue."),
		mcp.WithString("entity", mcp.Description("Optional entity id filter")),
		mcp.WithString("person", mcp.Description("Optional assignee person key filter")),
		mcp.WithString("status", mcp.Description("Optional status filter: open, in_progress, completed, cancelled")),
		mcp.WithBoolean("overdue", mcp.Description("If true, only overdue actions")),
	), s.listActions)

	s.mcp.AddTool(mcp.NewTool("pipeline_status",
		mcp.WithDescription("Inspect a pipeline command: state, missing enrichment outputs, and delivered artifact."),
		mcp.WithString("command", mcp.Required(), mcp.Description("Pipeline command name, e.g. daily-brief")),
	), s.pipelineStatus)

	s.mcp.AddTool(mcp.NewTool("submit_enrichment",
		mcp.WithDescription("Fill one pending enrichment output on a pipeline directive. "+
			"Only PENDING slots can be filled; everything else in the directive is left untouched. "+
			"Read the workspace contract first via get_record_contract."),
		mcp.WithString("command", mcp.Required(), mcp.Description("Pipeline command name")),
		mcp.WithString("key", mcp.Required(), mcp.Description("Output key to fill, e.g. prep/1")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Enrichment content for the output")),
	), s.submitEnrichment)

	s.mcp.AddTool(mcp.NewTool("get_record_contract",
		mcp.WithDescription("Returns the canonical Atlas workspace record formats. "+
			"Call this before writing records or enrichment into the workspace."),
	), s.getRecordContract)

	// Resource: record format contract.
	s.mcp.AddResource(
		mcp.NewResource("atlas://record-formats", "Workspace Record Formats",
			mcp.WithResourceDescription("Canonical on-disk record formats for an Atlas workspace."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readContractResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// jsonResult marshals v for the tool response.
func jsonResult(v any) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

// toolErr renders taxonomy errors, listing candidates for ambiguous matches.
func toolErr(err error) *mcp.CallToolResult {
	if ae, ok := apperr.IsAmbiguous(err); ok {
		return mcp.NewToolResultError(fmt.Sprintf("ambiguous: candidates %s", strings.Join(ae.Candidates, ", ")))
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *Server) resolveEntity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := s.svc.ResolveEntity(ctx, query)
	if err != nil {
		return toolErr(err), nil
	}
	return mcp.NewToolResultText(id), nil
}

func (s *Server) entityContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ec, err := s.svc.GetEntityContext(ctx, id)
	if err != nil {
		return toolErr(err), nil
	}
	return jsonResult(ec), nil
}

func (s *Server) personContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	pc, err := s.svc.GetPersonContext(ctx, key)
	if err != nil {
		return toolErr(err), nil
	}
	return jsonResult(pc), nil
}

func (s *Server) listActions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f := cache.ActionFilter{
		EntityID:    req.GetString("entity", ""),
		PersonKey:   req.GetString("person", ""),
		Status:      req.GetString("status", ""),
		OverdueOnly: req.GetBool("overdue", false),
	}
	actions, err := s.svc.GetActionsFor(ctx, f)
	if err != nil {
		return toolErr(err), nil
	}
	return jsonResult(actions), nil
}

func (s *Server) pipelineStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	st, err := s.svc.PipelineStatus(ctx, command)
	if err != nil {
		return toolErr(err), nil
	}
	return jsonResult(st), nil
}

func (s *Server) submitEnrichment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	value, err := req.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	path := "directives/" + command + ".json"
	data, err := s.store.Read(path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("no directive for %q", command)), nil
	}
	d, err := pipeline.DecodeDirective(data)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cur, ok := d.Outputs[key]
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown output key %q", key)), nil
	}
	if cur != pipeline.PendingMarker {
		return mcp.NewToolResultError(fmt.Sprintf("output %q already filled", key)), nil
	}
	d.Outputs[key] = value

	enc, err := d.Encode()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.store.Write(path, enc); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	missing := d.MissingOutputs()
	if len(missing) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("filled %q; enrichment complete, ready to deliver", key)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("filled %q; still pending: %s", key, strings.Join(missing, ", "))), nil
}

func (s *Server) getRecordContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(RecordFormatContract), nil
}

func (s *Server) readContractResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "atlas://record-formats",
			MIMEType: "text/markdown",
			Text:     RecordFormatContract,
		},
	}, nil
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"ubrowser-mcp-server/internal/facts"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"

	defaultFactLimit = 50
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"ubrowser://about",
			"ubrowser About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info, open pages and usage notes."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"ubrowser://page/{pageId}/facts{?predicate,limit}",
			"Page Facts",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Recent interaction facts for one page (navigation, dispatch, batch_step, console_event, or a derived rule such as fallback_dispatch)."),
		),
		s.handlePageFactsResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	manager := s.deps.Registry.Manager()
	payload := map[string]interface{}{
		"name":        s.cfg.Server.Name,
		"version":     s.cfg.Server.Version,
		"pages":       manager.List(),
		"currentPage": manager.CurrentName(),
		"notes": []string{
			"Take a browser_snapshot, then act on refs (e1, e2, ...) with click/type/select/scroll.",
			"Refs reset on navigation and page switch; take a new snapshot afterwards.",
			"browser_batch runs many steps in one round trip.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
	return jsonResource(request.Params.URI, payload)
}

func (s *Server) handlePageFactsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	engine := s.deps.Engine
	if engine == nil || !engine.Ready() {
		return nil, fmt.Errorf("fact engine unavailable")
	}

	pageID := argString(request.Params.Arguments["pageId"])
	if pageID == "" {
		return nil, fmt.Errorf("missing pageId")
	}
	predicate := argString(request.Params.Arguments["predicate"])
	limit := defaultFactLimit
	if n, err := strconv.Atoi(argString(request.Params.Arguments["limit"])); err == nil && n > 0 {
		limit = n
	}

	source, err := factSource(ctx, engine, predicate)
	if err != nil {
		return nil, err
	}
	selected := selectRecentPageFacts(source, pageID, predicate, limit)
	payload := map[string]interface{}{
		"page_id":   pageID,
		"predicate": predicate,
		"count":     len(selected),
		"facts":     selected,
	}
	return jsonResource(request.Params.URI, payload)
}

// factSource reads stored facts, falling back to rule evaluation for derived
// predicates.
func factSource(ctx context.Context, engine *facts.Engine, predicate string) ([]facts.Fact, error) {
	if predicate == "" {
		return engine.Facts(), nil
	}
	if stored := engine.FactsByPredicate(predicate); len(stored) > 0 {
		return stored, nil
	}
	return engine.Evaluate(ctx, predicate)
}

func selectRecentPageFacts(source []facts.Fact, pageID, predicate string, limit int) []facts.Fact {
	out := make([]facts.Fact, 0, min(limit, len(source)))
	for i := len(source) - 1; i >= 0 && len(out) < limit; i-- {
		f := source[i]
		if predicate != "" && f.Predicate != predicate {
			continue
		}
		if len(f.Args) == 0 || fmt.Sprintf("%v", f.Args[0]) != pageID {
			continue
		}
		out = append(out, f)
	}

	// Reverse to return chronological order (oldest -> newest).
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func jsonResource(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}

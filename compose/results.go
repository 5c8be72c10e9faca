package compose

import (
	"encoding/json"
	"fmt"

	"github.com/mcpkit/compose-go/mcp"
)

// Result canonicalization shared by the synchronous return path and the
// background store-then-retrieve path. Both funnel raw handler values
// through these helpers, so the same raw value produces byte-identical
// result shapes regardless of how it was executed.

func canonicalToolResult(res *mcp.CallToolResult) *mcp.CallToolResult {
	if res == nil {
		res = &mcp.CallToolResult{}
	}
	if res.Content == nil {
		res.Content = []mcp.ContentBlock{}
	}
	return res
}

func canonicalPromptResult(res *mcp.GetPromptResult) *mcp.GetPromptResult {
	if res == nil {
		res = &mcp.GetPromptResult{}
	}
	if res.Messages == nil {
		res.Messages = []mcp.PromptMessage{}
	}
	return res
}

func canonicalResourceResult(res *mcp.ReadResourceResult) *mcp.ReadResourceResult {
	if res == nil {
		res = &mcp.ReadResourceResult{}
	}
	if res.Contents == nil {
		res.Contents = []mcp.ResourceContents{}
	}
	return res
}

// encodeTaskResult serializes a raw handler value in its canonical shape for
// storage on a task record.
func encodeTaskResult(kind Kind, v any) (json.RawMessage, error) {
	switch kind {
	case KindTool:
		res, _ := v.(*mcp.CallToolResult)
		return json.Marshal(canonicalToolResult(res))
	case KindPrompt:
		res, _ := v.(*mcp.GetPromptResult)
		return json.Marshal(canonicalPromptResult(res))
	case KindResource, KindTemplate:
		res, _ := v.(*mcp.ReadResourceResult)
		return json.Marshal(canonicalResourceResult(res))
	}
	return nil, fmt.Errorf("unknown component kind %q", kind)
}

package tools

import (
	"fmt"
	"strings"

	"github.com/nachoal/sqlchat-go/internal/schema"
	"github.com/nachoal/sqlchat-go/llm"
)

// QueryToolName is the remote SQL execution tool.
const QueryToolName = "query"

const (
	CodeUnknownTool      = "unknown_tool"
	CodeMissingQuery     = "missing_query"
	CodeEmptyQuery       = "empty_query"
	CodeInvalidQueryType = "invalid_query_type"
	CodeMalformedArgs    = "malformed_arguments"
)

var querySchema = schema.MustJSON(QueryArgs{})

// QueryDescriptor is used when the remote service does not advertise the query tool itself.
func QueryDescriptor() llm.ToolDescriptor {
	return llm.ToolDescriptor{
		Name:        QueryToolName,
		Description: "Execute a read-only SQL query against the database and return the result rows.",
		Parameters:  querySchema,
	}
}

// QueryArgs are the arguments of the query tool.
type QueryArgs struct {
	Query string `json:"query" description:"The exact SQL text to execute." schema:"required,minLength:1"`
}

// ExtractQuery validates a proposed call against the query tool's argument schema.
func ExtractQuery(call llm.ToolCall) (string, *ToolError) {
	if call.Function.Name != QueryToolName {
		return "", NewToolError(CodeUnknownTool,
			fmt.Sprintf("tool %q does not exist; the only available tool is %q", call.Function.Name, QueryToolName))
	}

	args, _, err := llm.ParseToolArguments(call.Function.Arguments)
	if err != nil {
		return "", NewToolError(CodeMalformedArgs, "arguments must be a JSON object like {\"query\": \"SELECT ...\"}")
	}

	raw, ok := args["query"]
	if !ok || raw == nil {
		return "", NewToolError(CodeMissingQuery, "the \"query\" argument is required and must contain the SQL to run")
	}
	q, ok := raw.(string)
	if !ok {
		return "", NewToolError(CodeInvalidQueryType, "the \"query\" argument must be a string")
	}
	q = strings.TrimSpace(q)
	if q == "" {
		return "", NewToolError(CodeEmptyQuery, "the \"query\" argument was empty; provide the SQL text to run")
	}
	return q, nil
}

// Diagnostic renders a ToolError as a short tool message for the model.
func Diagnostic(err *ToolError) string {
	return "Invalid tool call (" + err.Code + "): " + err.Message
}

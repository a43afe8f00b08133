// Package mcp implements the transport-agnostic MCP protocol engine: a
// JSON-RPC 2.0 message loop, a tool registry, and the transports that carry
// the bytes. All dispatch logic lives in the engine; transports only move
// lines, request bodies and event streams in and out.
package mcp

import "encoding/json"

// protocolVersion is the MCP protocol revision this server speaks.
const protocolVersion = "2024-11-05"

const jsonRPCVersion = "2.0"

// Message is one JSON-RPC 2.0 envelope: request, response or notification
// depending on which fields are populated. ID stays raw so that string,
// number and null identifiers round-trip untouched.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// hasID reports whether the envelope carries a request identifier, which is
// what separates requests (one response each) from notifications (none).
func (m Message) hasID() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Application codes in the JSON-RPC reserved implementation range. Each
// upstream failure kind gets its own code so clients can tell a missing
// project from a bad token without parsing messages.
const (
	codeUpstreamTransient = -32000
	codeUpstreamAuth      = -32001
	codeUpstreamNotFound  = -32002
	codeUpstreamProtocol  = -32003
	codeTimeout           = -32004
	codeToolNotFound      = -32005
)

// nullID is the response identifier for requests whose id could not be
// decoded, per the JSON-RPC spec.
var nullID = json.RawMessage("null")

// ToolDescriptor declares one invocable tool. The registry's descriptor set
// is the authoritative contract: tools/list serves it verbatim and
// tools/call validates against the very same schema.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ResourceDescriptor declares one readable resource for resources/list.
type ResourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ToolContent is one content block of a tool result.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult is the tools/call result payload.
type CallToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ServerInfo identifies this server in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`
}

type listToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

type listResourcesResult struct {
	Resources []ResourceDescriptor `json:"resources"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

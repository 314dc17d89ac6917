// Package mcp exposes conclave over the Model Context Protocol.
//
// The server uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// on the stdio transport and registers five tools: gate_evaluate,
// precedent_search, outcome_record, pattern_analysis and project_status.
// Free text returned to clients is scrubbed for secrets.
package mcp

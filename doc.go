// Package mcphost implements a Model Context Protocol (MCP) hosting runtime. It keeps a
// shared registry of callable tools, readable resources and templated prompts, serves them
// to clients over Server-Sent Events or stdio, and fills the registry from pluggable
// extension sources: builtin bundles, Go plugin modules, Python subprocess extensions and
// external MCP servers proxied over their stdio.
package mcphost

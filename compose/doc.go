// Package compose is the dispatch core for building MCP servers out of
// composable component providers.
//
// A Server owns an ordered tree of Providers. The leaf provider is a
// Registry of directly registered tools, prompts, resources and resource
// templates; further providers can be added, each optionally wrapped by a
// transforming provider (namespace prefixes, tool renames) or delegating to
// another Server (Mount). Every catalogue listing and every invocation runs
// the server's middleware chain, applies its visibility filter on top of
// each provider's own, and resolves lookups across siblings in registration
// order.
//
// Visibility is never stored on a component. Each layer owns a Filter —
// blocklist over allowlist, with an optional exclusive allowlist — and a
// component is visible only if every filter between its defining provider
// and the serving server agrees. Components themselves are immutable values;
// transforms wrap them with rewritten identities and leave the original
// untouched.
//
// Invocations carry an optional *tasks.Meta. The server enforces each
// component's declared execution mode, and routes task-augmented requests to
// the configured tasks.Dispatcher instead of invoking inline. Both paths
// shape results identically, so a poll for a background result returns the
// same bytes a synchronous call would have.
package compose

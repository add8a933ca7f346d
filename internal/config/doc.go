// Package config resolves process and chain-scoped configuration for the
// agentic-trust runtime. Values come from the environment (through viper)
// layered over an optional YAML chain definitions file; chain configuration
// is validated lazily on first use so that a process only fails for chains it
// actually touches.
package config

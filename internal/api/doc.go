// Package api exposes the agentic-trust operations over HTTP: account
// resolution, smart account addressing and deployment, and feedback auth
// issuance. Errors are rendered as JSON objects with a stable code.
package api

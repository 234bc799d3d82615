// Package api exposes the REST surface of AgentPay: submitting paid calls,
// reading settlement receipts, health checks and Prometheus metrics. Routes
// under /api/v1 are optionally protected by API-key authentication.
package api

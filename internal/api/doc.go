// Package api serves the tracker's reconciled task view, its health and
// Prometheus metrics over HTTP for local tooling.
package api

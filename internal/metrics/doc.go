// Package metrics defines the Prometheus metrics exported by the collaboration server.
package metrics

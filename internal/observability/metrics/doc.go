// Package metrics registers the Prometheus collectors of the wallet bot and
// exposes them over HTTP.
package metrics

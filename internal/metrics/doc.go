// Package metrics writes a run summary as a Prometheus text exposition file,
// suitable for the node_exporter textfile collector. The process is
// short-lived, so there is no scrape endpoint; the file is rewritten
// atomically at the end of every run, including interrupted ones.
package metrics

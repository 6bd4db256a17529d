// Package dedupe provides correlation-id deduplication using a time-based
// cache so a retried send request is acknowledged instead of reprocessed.
package dedupe

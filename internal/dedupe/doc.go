// Package dedupe provides message deduplication using a time-based cache
// to prevent double-sends and duplicate delivery within a configurable window.
package dedupe

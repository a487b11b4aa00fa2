// Package dedupe remembers request ids for a bounded window so repeated
// requests are recognised, and optionally replays their remembered result.
package dedupe

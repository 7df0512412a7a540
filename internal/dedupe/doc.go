// Package dedupe suppresses duplicate send submissions using a time-windowed
// guard keyed by client submission id.
package dedupe

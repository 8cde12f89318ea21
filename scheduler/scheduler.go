// Package scheduler wires the background jobs: the periodic live refresh,
// driven by gocron, and the daily OHLCV recorder, which arms its own
// timezone-aware timer.
package scheduler

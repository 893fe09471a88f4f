// Package scheduler runs an ordered list of named background jobs on a timer.
//
// Each tick runs every job in order, one at a time; jobs never overlap within a loop and
// a tick that is still running when the next one fires is skipped. Multiple loops (one per
// shard) run independently.
//
// Triggering is robfig/cron: interval schedules get a random startup spread, cron
// expressions are evaluated in the configured time zone.
package scheduler

// Package birthday detects members entering and leaving their birthday in their own
// time zone and applies the birthday role and announcement.
//
// Detection is driven by a per-user watermark: the instant the last transition was
// applied. Comparing "now" and the watermark against the local day window makes each
// pass idempotent, so running it every tick only acts on real crossings.
package birthday

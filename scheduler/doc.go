// Package scheduler keeps cache keys warm ahead of use.
//
// A [Job] pairs a named cache with a [KeySource], the business side's list of
// keys that will be read soon, such as everyone with an appointment today.
// Every Interval the [Scheduler] sweeps the listed keys and refreshes the ones
// that are missing or go stale before the next sweep, so readers in wait mode
// find them populated.
package scheduler

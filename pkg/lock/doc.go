// Package lock provides the run lease that keeps two runs of the same
// cadence from overlapping.
//
// The bolt backend stores leases next to the outcome log and suits a single
// instance. The redis backend uses redislock so several instances can share
// one schedule. Both return ErrNotAcquired while another holder owns a live
// lease; an expired lease is taken over.
package lock

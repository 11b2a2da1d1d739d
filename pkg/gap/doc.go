// Package gap decides which relevant changes never reached the channel.
//
// A change counts as notified when the dispatch queue holds a row for the
// same hotel, whose service name matches the configured LIKE pattern, with
// created_at in (log_time, log_time+window]. The detector reads the queue
// once per hotel per run and caches the result for a short TTL so that
// overlapping cadences do not repeat the same query.
package gap

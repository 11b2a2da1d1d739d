// Package dispatcher sends remediation groups to the external channel.
//
// Each group becomes one POST to the channel's recompute endpoint. Transient
// failures are retried with exponential backoff until remediation.max_attempts
// is reached; the last failed attempt is then recorded as a permanent failure
// and published as a critical event. Every attempt lands in the outcome log
// with the log ids of the group's members, and a successful call marks those
// ids as remediated so that later runs over an overlapping window skip them.
package dispatcher

// Package grouper batches missing triggers into remediation groups with a
// sort-and-sweep interval merge. For a given hotel the resulting groups
// neither overlap nor touch, and every trigger lands in exactly one group.
package grouper

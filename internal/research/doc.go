// Package research runs a single deep-research session: a planner turns a
// topic into search tasks, workers search and condense them concurrently,
// and a writer synthesizes the ordered summaries into a report. Progress is
// exposed as a lazy sequence of snapshots.
package research

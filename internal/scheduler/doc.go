// Package scheduler implements the partitioned quota-fill crawl engine: the
// link gate, the listing walker, the quota planner, the content fetch loop, and
// the round-based driver that ties them together.
//
// Every write the engine performs is either insert-if-absent (links) or
// mark-once (content), so a run can be stopped at any point and restarted from
// scratch; it converges on the same terminal state.
package scheduler

// Package dispatcher runs the worker pool that drains the priority queue
// and hands batches to the sender, plus the periodic adaptive controller
// that retunes batch size and worker count from observed load.
package dispatcher

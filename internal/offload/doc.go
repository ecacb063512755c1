// Package offload moves blocking work off the origin loop.
//
// A Bridge accepts a submission on the loop goroutine, runs the unit of work
// on a fixed worker pool, and hands the outcome back to the loop, where the
// submitter's completion callback is invoked exactly once with error-first
// arguments. After the callback returns (or fails) every resource owned by the
// submission is released exactly once.
//
// Workers only ever see a *Work value, which carries plain data: the input
// written at submission and the outcome the worker writes back. Host values
// such as the callback handle stay on the loop side.
package offload

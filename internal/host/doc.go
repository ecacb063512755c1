// Package host models the single-threaded environment that submits work to the
// offload bridge: the values it passes, the functions it can invoke, the durable
// handles that keep a function alive while work is pending, and the process-wide
// fatal exception hook that receives failures nobody else can handle.
package host

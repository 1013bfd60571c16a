// Package terminal owns interactive shell processes behind pseudo-terminals.
//
// A Process wraps exactly one PTY-attached shell and translates its output
// and exit status into a bounded event channel. The Registry is the
// process-wide table of live sessions: it is the sole owner of Process
// instances, wires process exit to session removal, and guarantees that a
// session id disappears exactly once no matter which teardown path fires
// first (process exit, explicit close, or stream disconnect).
package terminal

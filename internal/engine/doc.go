// Package engine holds the per-execution state machines of the sandbox
// protocol, the registry mapping execution ids to live sessions, and the
// deadline watchdog. Both protocol roles build on it: the responder drives
// sessions while executing code, the initiator drives them while observing
// the responder's events.
package engine

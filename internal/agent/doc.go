// Package agent tracks connected agent runners and dispatches commands to them.
//
// # Manager
//
// Manager is the Live Connection Table. A single goroutine owns the table;
// every mutation (attach, detach, status ingestion, claim retraction) is sent
// to it as a closure and applied in arrival order. After each mutation an
// immutable Snapshot is published through an atomic pointer, so readers such
// as status listings never block writers:
//
//	mgr := agent.NewManager(logger)
//	defer mgr.Close()
//	snap := mgr.Snapshot()
//
// Listeners registered with OnStatus and OnDisconnect run on the owner
// goroutine after the new snapshot is published. They must be quick and must
// not call back into Manager mutation methods.
//
// # Runner
//
// Runner is one connected runner process and may host several agents over a
// single stream. Sends are serialized; pending requests are keyed by
// request id and failed when the runner closes.
//
// # Dispatcher
//
// Dispatcher sends a named command to the runner hosting an agent and waits
// for the correlated reply or a timeout. A timeout is a remote failure and is
// never retried. Callers mark release-style commands BestEffort so failures
// are logged and reported as undelivered instead of returned as errors.
//
// # Live State
//
// Every known agent is exactly one of ready, busy or starting while
// connected, and simply absent once disconnected. A busy report always
// forces ready to false.
package agent

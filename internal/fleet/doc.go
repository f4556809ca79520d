// Package fleet is the controller surface the command layer talks to. It
// composes the registry, the live connection table, the dispatcher, the
// session broker and the membership reconciler into the operations that span
// more than one of them: deployment plans, the merged agent listing, restart,
// scale and raw runner requests.
package fleet

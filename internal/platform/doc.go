// Package platform wraps the chat platform's REST API for the two questions
// the controller asks of it: which bot does this credential belong to, and
// is this bot user in this guild. Both calls are bounded by a timeout of at
// most ten seconds and never retried.
package platform

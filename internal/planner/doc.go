// Package planner answers "how many more agents does this guild need, and
// which ones should be invited" without touching any state. Callers gather
// the pool's identities and the set of identities whose live connection
// claims the guild, then call Build.
package planner

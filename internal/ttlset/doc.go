// Package ttlset provides a size-bounded set whose members expire after a
// fixed time-to-live. The fleet uses it for the verified tier of guild
// membership: a claim confirmed by the chat platform stays verified until its
// TTL lapses or a later reconcile retracts it.
package ttlset

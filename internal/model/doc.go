// Package model holds broadcastd's domain types: contacts, templates, broadcasts and
// per-recipient delivery tasks.
package model

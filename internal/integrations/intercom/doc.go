// Package intercom is the messaging-platform client: conversation fetch and
// listing, admin replies, read receipts, and per-workspace routing.
package intercom

// Package adapter wires configuration, the vfs dispatcher, metrics, health
// tracking and the FUSE mount together for one remote database file.
package adapter

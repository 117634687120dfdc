// Package command defines the command envelope, the pure decision result and
// the registry that validates commands before they reach a decider.
package command

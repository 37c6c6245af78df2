// Package commands implements the kex CLI subcommands.
package commands

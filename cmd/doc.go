// Package cmd implements the command-line interface for repkv. It provides
// a small command tree with one operation for each of the two node roles.
//
// The package is organized into several subpackages:
//
//   - server: binds a topic's authority and serves the three channels
//   - client: pairs a replica against a running authority and offers an
//     interactive shell against it
//   - util: shared utilities for command-line processing and configuration
//     (internal use)
//
// See repkv -help for a list of all commands.
package cmd

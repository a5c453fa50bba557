// Package cli parses command-line arguments into the tool's runtime options
// and owns the exit-code convention for argument errors.
package cli

// Package logging provides the small verbose/error logging helpers used
// throughout this module: a package-level verbosity toggle plus colored
// error output.
package logging

import (
	"log"
	"strings"

	"github.com/fatih/color"
)

// Verbose gates Verbosef output; set from the CLI's --verbose flag.
var Verbose bool

var errorColor = color.New(color.FgRed, color.Bold)

// Logf prints msg unconditionally, matching log.Printf semantics.
func Logf(format string, args ...interface{}) {
	log.Printf(format, args...)
}

// Verbosef prints a formatted message only when Verbose is set.
func Verbosef(format string, args ...interface{}) {
	if Verbose {
		log.Printf(format, args...)
	}
}

// Errorf prints a formatted error in bold red, regardless of Verbose.
func Errorf(format string, args ...interface{}) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	errorColor.Printf(format, args...)
}

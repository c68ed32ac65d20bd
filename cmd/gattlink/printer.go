package main

import (
	"io"

	"github.com/fatih/color"
)

// printStatus writes a highlighted status line.
func printStatus(w io.Writer, message string) {
	color.New(color.FgCyan, color.Bold).Fprintln(w, message)
}

// printWarn writes a warning line.
func printWarn(w io.Writer, message string) {
	color.New(color.FgYellow, color.Bold).Fprintln(w, "[-] "+message)
}

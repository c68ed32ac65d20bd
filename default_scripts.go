// Package gattlink holds assets shared by the command line tools.
package gattlink

import _ "embed"

// InspectLuaScript renders a device profile for the inspect command.
//
//go:embed scripts/inspect.lua
var InspectLuaScript string

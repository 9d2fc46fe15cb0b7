package core

import (
	"strings"
)

// forbiddenChars enable chaining, substitution or redirection in sh -c.
const forbiddenChars = ";&|`$<>\\\n"

var allowedBaseCommands = map[string]struct{}{
	"echo":   {},
	"date":   {},
	"uname":  {},
	"whoami": {},
	"ls":     {},
	"pwd":    {},
	"cat":    {},
	"uptime": {},
}

// IsSafe reports whether command may be handed to an execution pod.
// It rejects blank input, any shell metacharacter and any base command
// outside the allow-list.
func IsSafe(command string) bool {
	if strings.ContainsAny(command, forbiddenChars) {
		return false
	}
	// sh only splits words on ASCII blanks, so U+00A0 and friends stay part
	// of the command name.
	fields := strings.FieldsFunc(command, isASCIISpace)
	if len(fields) == 0 {
		return false
	}
	_, ok := allowedBaseCommands[fields[0]]
	return ok
}

func isASCIISpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

// AllowedCommands lists the permitted base commands in a stable order.
func AllowedCommands() []string {
	return []string{"echo", "date", "uname", "whoami", "ls", "pwd", "cat", "uptime"}
}

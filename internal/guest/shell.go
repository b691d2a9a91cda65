package guest

import (
	"regexp"
	"sort"
	"strings"
)

var safeWord = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// Quote quotes s for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if safeWord.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Script renders cmd as one shell script with its working directory and
// environment applied, for transports that cannot pass them separately.
func Script(cmd Command) string {
	var sb strings.Builder
	if cmd.Dir != "" {
		sb.WriteString("cd " + Quote(cmd.Dir) + " || exit 1\n")
	}
	keys := make([]string, 0, len(cmd.Env))
	for k := range cmd.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString("export " + k + "=" + Quote(cmd.Env[k]) + "\n")
	}
	sb.WriteString(cmd.Script)
	return sb.String()
}

// CommandLine is Script wrapped for execution by a remote login shell.
func CommandLine(cmd Command) string {
	return Shell + " -c " + Quote(Script(cmd))
}

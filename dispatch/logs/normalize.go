package logs

import (
	"regexp"
	"strings"
)

var (
	// a [group] line through the end of the next [endgroup] line
	groupRe = regexp.MustCompile(`(?m)^[^\n]*\[group\](?s:.*?)\[endgroup\][^\n]*$`)
	// the runner's echo of each executed command, e.g. "##[command]make test"
	commandRe   = regexp.MustCompile(`(?m)^.*\[command[^\]\n]*\].*(?:\n|$)`)
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d+Z`)
	// colour codes, cursor moves
	ansiRe = regexp.MustCompile("[\u001B\u009B][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))")
)

// RemoveGroups drops collapsible ##[group] ... ##[endgroup] regions,
// including the marker lines themselves.
func RemoveGroups(text string) string {
	return strings.TrimSpace(groupRe.ReplaceAllString(text, ""))
}

// RemoveCommands drops every line carrying a [command] marker.
func RemoveCommands(text string) string {
	return strings.TrimSpace(commandRe.ReplaceAllString(text, ""))
}

// RemoveTimestamps drops the RFC 3339 timestamps the runner prefixes to each
// line. The rest of the line is kept as is.
func RemoveTimestamps(text string) string {
	return timestampRe.ReplaceAllString(text, "")
}

func RemoveANSI(text string) string {
	return ansiRe.ReplaceAllString(text, "")
}

// Sanitize applies every normalization in order: groups, commands,
// timestamps, escape sequences. The result is trimmed so that sanitizing
// twice changes nothing.
func Sanitize(text string) string {
	text = RemoveGroups(text)
	text = RemoveCommands(text)
	text = RemoveTimestamps(text)
	text = RemoveANSI(text)
	return strings.TrimSpace(text)
}

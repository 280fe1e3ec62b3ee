package agent

import "strings"

// NoReplyToken is the sentinel an agent emits to deliberately stay silent.
// Replies carrying it are suppressed on delivery and count as non-responses
// for fan-out chaining.
const NoReplyToken = "NO_REPLY"

// IsSilentReply reports whether a reply text is a deliberate non-response.
// Models tend to wrap the token in markdown emphasis or quotes, so light
// decoration around it still counts.
func IsSilentReply(text string) bool {
	s := strings.TrimSpace(text)
	s = strings.Trim(s, "*_`'\"")
	s = strings.TrimSpace(s)
	return strings.EqualFold(s, NoReplyToken)
}

package render

import (
	"strings"

	"github.com/ongoingai/calltrace/internal/cdr"
)

// SIPHistory renders signaling messages in chronological order. The arrow
// of each message is drawn relative to the first message's endpoints: same
// direction "--->", reverse "<---", anything else "-?->" with both ends.
func SIPHistory(history *cdr.SIPHistory) string {
	if history == nil || len(history.Messages) == 0 {
		return ""
	}
	left, right := history.Messages[0].Src, history.Messages[0].Dst

	lines := make([]string, 0, len(history.Messages))
	for _, msg := range history.Messages {
		var flow string
		switch {
		case msg.Src == left && msg.Dst == right:
			flow = left + " ---> " + right
		case msg.Src == right && msg.Dst == left:
			flow = left + " <--- " + right
		default:
			flow = msg.Src + " -?-> " + msg.Dst
		}
		lines = append(lines, joinNonEmpty(" | ", msg.Time, flow, firstLine(msg.Message)))
	}
	return strings.Join(lines, "\n")
}

func firstLine(message string) string {
	message = strings.TrimSpace(message)
	if i := strings.IndexAny(message, "\r\n"); i >= 0 {
		return strings.TrimSpace(message[:i])
	}
	return message
}

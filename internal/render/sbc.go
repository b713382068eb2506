package render

import (
	"sort"
	"strconv"
	"strings"

	"github.com/ongoingai/calltrace/internal/sbc"
)

const sbcHeader = "--- SBCTELCO ---"

// SBCTrace renders a call_trace payload. Calls are ordered by timestamp,
// falling back to the call key when either timestamp is missing or both
// are equal. That ordering is not transitive when timed and untimed calls
// mix, so such payloads keep an order that depends on the payload's key
// order; the sort is stable and the output repeatable for one payload.
// Steps are ordered by their order field; steps without info are skipped.
func SBCTrace(payload *sbc.Payload) string {
	lines := []string{sbcHeader}
	if payload.Version != "" {
		lines = append(lines, "version: "+payload.Version)
	}
	lines = append(lines, "")

	calls := make([]sbc.Call, len(payload.Calls))
	copy(calls, payload.Calls)
	sort.SliceStable(calls, func(i, j int) bool {
		a, b := calls[i].Timestamp(), calls[j].Timestamp()
		if a != "" && b != "" && a != b {
			return a < b
		}
		return calls[i].Key < calls[j].Key
	})

	for i, call := range calls {
		lines = append(lines, callLines(i+1, call)...)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func callLines(n int, call sbc.Call) []string {
	label := call.Key
	if legID, ok := call.Attr("leg_id"); ok {
		label = legID
	}
	prefix := "[" + label + "] "

	lines := []string{prefix + "=== Call " + strconv.Itoa(n) + " (" + label + ") ==="}
	for _, attr := range call.Attrs {
		lines = append(lines, prefix+attr.Name+": "+attr.Value)
	}
	lines = append(lines, "")

	if call.HasTraces {
		lines = append(lines, prefix+"--- call_traces ---")
		steps := make([]sbc.Step, len(call.Steps))
		copy(steps, call.Steps)
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
		for _, step := range steps {
			if step.Info == "" {
				continue
			}
			if strings.TrimSpace(step.Tooltip) != "" {
				switch step.Direction {
				case "1":
					lines = append(lines, prefix+"--------->")
				case "2":
					lines = append(lines, prefix+"<--------")
				}
			}
			lines = append(lines, joinNonEmpty(" | ", step.Info, step.Timestamp, step.Direction, step.Tooltip, step.Leg))
		}
	}
	return append(lines, "")
}

func joinNonEmpty(sep string, values ...string) string {
	kept := values[:0]
	for _, value := range values {
		if value != "" {
			kept = append(kept, value)
		}
	}
	return strings.Join(kept, sep)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

// Package decorate renders the exact per-recipient message body: base text,
// then the watermark line, then the auto-ID line. The order matches the
// preview the operator confirms before sending.
package decorate

import "strconv"

type Flags struct {
	AutoIDEnabled    bool
	AutoIDPrefix     string
	WatermarkEnabled bool
	WatermarkText    string
}

// Render is a pure function of its arguments so a body can be reproduced for
// audit or export without re-running delivery. counterBase is the first value
// of the block reserved for the campaign; ordinal is the task's 0-based
// position in the resolved list.
func Render(base string, f Flags, counterBase int64, ordinal int) string {
	out := base
	if f.WatermarkEnabled && f.WatermarkText != "" {
		out += "\n" + f.WatermarkText
	}
	if f.AutoIDEnabled {
		out += "\nID: " + f.AutoIDPrefix + strconv.FormatInt(counterBase+int64(ordinal), 10)
	}
	return out
}

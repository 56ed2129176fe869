// Package resolve turns raw operator input (pasted phone lines, selected
// group ids) into the ordered, deduplicated target list a campaign is frozen
// around.
package resolve

import (
	"strings"

	"bcast/internal/domain"
)

const minPhoneDigits = 5

type Input struct {
	Lines    []string
	GroupIDs []string
	Mode     domain.TargetMode
	// DisableDedup delivers duplicates as separate tasks. Operator-level
	// configuration, not a per-campaign switch.
	DisableDedup bool
}

type Result struct {
	Targets    []domain.Target
	Duplicates int
	Rejected   int
}

// Resolve normalizes, deduplicates and unions the target sets for the given
// mode. It is all-or-nothing: zero valid targets means ErrNoValidRecipients
// and no task is ever created.
func Resolve(in Input) (Result, error) {
	var res Result
	seen := make(map[string]bool)

	add := func(kind domain.TargetKind, addr string) {
		key := strings.ToLower(addr)
		if !in.DisableDedup {
			if seen[key] {
				res.Duplicates++
				return
			}
			seen[key] = true
		}
		res.Targets = append(res.Targets, domain.Target{Kind: kind, Address: addr})
	}

	if in.Mode == domain.ModeNumber || in.Mode == domain.ModeBoth {
		for _, line := range in.Lines {
			if strings.TrimSpace(line) == "" {
				continue
			}
			phone, ok := NormalizePhone(line)
			if !ok {
				res.Rejected++
				continue
			}
			add(domain.KindNumber, phone)
		}
	}

	if in.Mode == domain.ModeGroup || in.Mode == domain.ModeBoth {
		for _, g := range in.GroupIDs {
			g = strings.TrimSpace(g)
			if g == "" {
				continue
			}
			add(domain.KindGroup, g)
		}
	}

	if len(res.Targets) == 0 {
		return Result{}, domain.ErrNoValidRecipients
	}
	return res, nil
}

// NormalizePhone reduces a raw line to canonical international form: digits
// only, one leading "+". Interior plus signs and every other character are
// dropped. Entries with fewer than 5 digits are rejected.
func NormalizePhone(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < minPhoneDigits {
		return "", false
	}
	return "+" + digits, true
}

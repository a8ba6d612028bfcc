package machines

import (
	"strings"
	"time"

	"github.com/celerix-dev/celerix-machines/pkg/schema"
	"github.com/celerix-dev/celerix-machines/pkg/sdk"
)

// Blacklist holds the ID prefixes of kernel and ramdisk images, never shown to users.
var Blacklist = []string{"eki-", "eri-"}

// FilterBlacklisted drops every image whose ID starts with one of the prefixes.
// Order is preserved.
func FilterBlacklisted(list []sdk.NativeMachine, prefixes []string) []sdk.NativeMachine {
	out := make([]sdk.NativeMachine, 0, len(list))
	for _, m := range list {
		if hasAnyPrefix(m.ID, prefixes) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Valid is the domain validity predicate: the machine has not been end-dated.
func Valid(m *schema.CoreMachine, now time.Time) bool {
	return !m.EndDated(now)
}

// OwnedBy keeps the machines created by username, preserving order.
func OwnedBy(list []*schema.CoreMachine, username string) []*schema.CoreMachine {
	out := make([]*schema.CoreMachine, 0, len(list))
	for _, m := range list {
		if schema.SameUser(m.CreatedBy, username) {
			out = append(out, m)
		}
	}
	return out
}

// Reversed returns a reversed copy of list.
func Reversed(list []*schema.CoreMachine) []*schema.CoreMachine {
	out := make([]*schema.CoreMachine, len(list))
	for i, m := range list {
		out[len(list)-1-i] = m
	}
	return out
}

package retrieval

import (
	"fmt"
	"strings"

	"gameforge/pkg/llm"
)

// FormatContext renders matches as reference blocks for a prompt. Blocks are
// added in order while they fit in tokenBudget; tokenBudget <= 0 disables the limit.
func FormatContext(matches []Match, counter *llm.TokenCounter, tokenBudget int) string {
	var b strings.Builder
	used := 0
	for _, m := range matches {
		block := fmt.Sprintf("# ====== Reference Module: %s ======\n%s\n\n", m.ModuleID, strings.TrimRight(m.Source, "\n"))
		if tokenBudget > 0 {
			n := counter.Count(block)
			if used+n > tokenBudget {
				break
			}
			used += n
		}
		b.WriteString(block)
	}
	return strings.TrimRight(b.String(), "\n")
}

package analysis

import (
	"strings"

	"golang.org/x/net/html"
)

// cleanHTML reduces a social post body to its visible text: tags dropped,
// entities unescaped, each text run trimmed and joined by single spaces.
// Script and style contents are discarded.
func cleanHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}

	z := html.NewTokenizer(strings.NewReader(s))
	var parts []string
	hidden := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF, or a truncated document; keep what was read.
			return strings.Join(parts, " ")
		case html.StartTagToken:
			if name, _ := z.TagName(); rawTextTag(name) {
				hidden++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); rawTextTag(name) && hidden > 0 {
				hidden--
			}
		case html.TextToken:
			if hidden > 0 {
				continue
			}
			if text := strings.Join(strings.Fields(string(z.Text())), " "); text != "" {
				parts = append(parts, text)
			}
		}
	}
}

func rawTextTag(name []byte) bool {
	switch string(name) {
	case "script", "style":
		return true
	}
	return false
}

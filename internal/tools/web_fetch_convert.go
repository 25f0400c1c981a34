package tools

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// extractJSON pretty-prints a JSON body, falling back to the raw bytes
// when it does not parse.
func extractJSON(body []byte) (string, string) {
	var data interface{}
	if err := json.Unmarshal(body, &data); err == nil {
		formatted, _ := json.MarshalIndent(data, "", "  ")
		return string(formatted), "json"
	}
	return string(body), "raw"
}

// chromeRes matches the non-content elements dropped before any
// conversion.
var chromeRes = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[\s\S]*?</script>`),
	regexp.MustCompile(`(?is)<style[\s\S]*?</style>`),
	regexp.MustCompile(`<!--[\s\S]*?-->`),
	regexp.MustCompile(`(?is)<nav[\s\S]*?</nav>`),
	regexp.MustCompile(`(?is)<header[\s\S]*?</header>`),
	regexp.MustCompile(`(?is)<footer[\s\S]*?</footer>`),
}

var (
	headingRe   = regexp.MustCompile(`(?is)<h([1-6])[^>]*>([\s\S]*?)</h[1-6]>`)
	paragraphRe = regexp.MustCompile(`(?is)<p[^>]*>([\s\S]*?)</p>`)
	breakRe     = regexp.MustCompile(`(?i)<br\s*/?>`)
	listItemRe  = regexp.MustCompile(`(?is)<li[^>]*>([\s\S]*?)</li>`)
	anchorRe    = regexp.MustCompile(`(?is)<a[^>]*href="([^"]*)"[^>]*>([\s\S]*?)</a>`)
	imgRe       = regexp.MustCompile(`(?i)<img[^>]*alt="([^"]*)"[^>]*/?>`)
	preRe       = regexp.MustCompile(`(?is)<pre[^>]*>([\s\S]*?)</pre>`)
	codeRe      = regexp.MustCompile(`(?is)<code[^>]*>([\s\S]*?)</code>`)
	boldRe      = regexp.MustCompile(`(?is)<(?:strong|b)[^>]*>([\s\S]*?)</(?:strong|b)>`)
	italicRe    = regexp.MustCompile(`(?is)<(?:em|i)[^>]*>([\s\S]*?)</(?:em|i)>`)
	quoteRe     = regexp.MustCompile(`(?is)<blockquote[^>]*>([\s\S]*?)</blockquote>`)
	anyTagRe    = regexp.MustCompile(`<[^>]+>`)
	blankRunRe  = regexp.MustCompile(`\n{3,}`)
	spaceRunRe  = regexp.MustCompile(`[ \t]{2,}`)
)

var entityReplacer = strings.NewReplacer(
	"&amp;", "&", "&lt;", "<", "&gt;", ">",
	"&quot;", `"`, "&#39;", "'", "&apos;", "'",
	"&nbsp;", " ", "&hellip;", "...",
	"&mdash;", "—", "&ndash;", "–",
	"&copy;", "(c)", "&reg;", "(R)", "&trade;", "(TM)",
)

func stripChrome(html string) string {
	for _, re := range chromeRes {
		html = re.ReplaceAllString(html, "")
	}
	return html
}

// htmlToMarkdown renders common HTML structure as markdown. A regexp
// pass, not a parser; enough for article bodies and doc pages.
func htmlToMarkdown(html string) string {
	s := stripChrome(html)

	s = headingRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := headingRe.FindStringSubmatch(m)
		level, _ := strconv.Atoi(sub[1])
		return "\n" + strings.Repeat("#", level) + " " + strings.TrimSpace(sub[2]) + "\n"
	})

	// Fenced blocks first so later passes leave their interiors alone.
	s = preRe.ReplaceAllString(s, "\n```\n$1\n```\n")
	s = codeRe.ReplaceAllString(s, "`$1`")

	s = quoteRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := quoteRe.FindStringSubmatch(m)
		if len(sub) < 2 {
			return m
		}
		var quoted []string
		for _, line := range strings.Split(strings.TrimSpace(sub[1]), "\n") {
			quoted = append(quoted, "> "+strings.TrimSpace(line))
		}
		return "\n" + strings.Join(quoted, "\n") + "\n"
	})

	s = anchorRe.ReplaceAllString(s, "[$2]($1)")
	s = imgRe.ReplaceAllString(s, "![$1]")
	s = boldRe.ReplaceAllString(s, "**$1**")
	s = italicRe.ReplaceAllString(s, "*$1*")
	s = paragraphRe.ReplaceAllString(s, "\n$1\n")
	s = breakRe.ReplaceAllString(s, "\n")
	s = listItemRe.ReplaceAllString(s, "\n- $1")
	s = anyTagRe.ReplaceAllString(s, "")

	s = entityReplacer.Replace(s)
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	s = spaceRunRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// htmlToText keeps only the text, one line per block element.
func htmlToText(html string) string {
	s := stripChrome(html)
	s = paragraphRe.ReplaceAllString(s, "\n$1\n")
	s = breakRe.ReplaceAllString(s, "\n")
	s = listItemRe.ReplaceAllString(s, "\n- $1")
	s = anyTagRe.ReplaceAllString(s, "\n")
	s = entityReplacer.Replace(s)
	s = spaceRunRe.ReplaceAllString(s, " ")

	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

var (
	mdHeadingRe = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdCodeRe    = regexp.MustCompile("`[^`]+`")
	mdImageRe   = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	mdLinkRe    = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
)

// markdownToText strips markdown syntax for callers that asked for
// plain text from a markdown source.
func markdownToText(md string) string {
	s := mdHeadingRe.ReplaceAllString(md, "")
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	s = mdCodeRe.ReplaceAllStringFunc(s, func(m string) string {
		return strings.Trim(m, "`")
	})
	s = mdImageRe.ReplaceAllString(s, "$1")
	s = mdLinkRe.ReplaceAllString(s, "$1")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

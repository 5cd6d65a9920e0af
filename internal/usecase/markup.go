package usecase

import (
	"regexp"
	"strings"
)

var (
	markupReplacer = strings.NewReplacer(
		"<br>", "\n",
		"<br/>", "\n",
		"<br />", "\n",
		"<p>", "",
		"</p>", "\n",
		"&nbsp;", " ",
		"&lt;", "<",
		"&gt;", ">",
		"&amp;", "&",
	)
	tagPattern       = regexp.MustCompile(`<[^>]+>`)
	blankLinePattern = regexp.MustCompile(`\n\s*\n`)
)

// CleanMarkup turns a platform message body into plain text: line breaks and
// paragraphs become newlines, common entities are decoded, remaining tags are
// dropped and runs of blank lines collapse to one.
func CleanMarkup(body string) string {
	if body == "" {
		return ""
	}
	body = markupReplacer.Replace(body)
	body = tagPattern.ReplaceAllString(body, "")
	body = blankLinePattern.ReplaceAllString(body, "\n\n")
	return strings.TrimSpace(body)
}

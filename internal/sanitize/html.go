// Package sanitize strips markup out of text sourced from event pages.
// Meta descriptions and JSON-LD description values routinely embed HTML
// fragments; downstream polishing and export want plain text only.
package sanitize

import (
	"html"

	"github.com/microcosm-cc/bluemonday"
)

// strict removes every tag and attribute.
var strict = bluemonday.StrictPolicy()

// Text strips all HTML markup and re-resolves entities, leaving plain
// text. bluemonday escapes the text it keeps, so the unescape undoes both
// its escaping and entities already present in the source.
func Text(input string) string {
	return html.UnescapeString(strict.Sanitize(input))
}

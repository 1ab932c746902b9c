package cycle

import (
	"regexp"
	"strings"
)

const maxSlugLength = 40

var nonSlugRun = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify turns a proposal title into the branch-name-safe form used by
// the autonomy policy (§4.4 step 7): lowercase, collapse any run of
// non-alphanumeric characters to a single hyphen, trim leading/trailing
// hyphens, then truncate to 40 characters.
func Slugify(title string) string {
	lower := strings.ToLower(title)
	slug := nonSlugRun.ReplaceAllString(lower, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	return slug
}

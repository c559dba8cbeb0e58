package quality

import "strings"

// canonicalValues is the static mapping table from §4.G.1: variant spellings
// and synonyms collapse to one canonical string per (type, key).
var canonicalValues = map[string]string{
	"kyiv": "kyiv", "kiev": "kyiv", "київ": "kyiv",
	"js": "javascript", "javascript": "javascript",
	"ts": "typescript", "typescript": "typescript",
	"golang": "go", "go": "go",
	"py": "python", "python": "python",
	"nyc": "new york city", "new york": "new york city", "new york city": "new york city",
	"sf": "san francisco", "san francisco": "san francisco",
}

// normalizeValue lowercases and trims value_raw, then applies the canonical
// mapping table if a known alias exists, otherwise returns the trimmed,
// lowercased form unchanged.
func normalizeValue(valueRaw string) string {
	trimmed := strings.ToLower(strings.TrimSpace(valueRaw))
	trimmed = strings.Join(strings.Fields(trimmed), " ")
	if canon, ok := canonicalValues[trimmed]; ok {
		return canon
	}
	return trimmed
}

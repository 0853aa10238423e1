package sales

import "golang.org/x/text/cases"

// foldSearch normalises a search term with Unicode case folding so matching
// behaves the same across the Postgres and in-memory repositories.
func foldSearch(s string) string {
	return cases.Fold().String(s)
}

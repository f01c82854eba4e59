package ratelimit

import "strings"

// Category names an endpoint class with its own rule.
type Category string

const (
	CategoryPDF       Category = "pdf"
	CategoryUpload    Category = "upload"
	CategoryProcess   Category = "process"
	CategoryOCSR      Category = "ocsr"
	CategoryDepiction Category = "depiction"
	CategoryHeartbeat Category = "heartbeat"
	CategorySession   Category = "session"
	CategoryDefault   Category = "default"
)

// classifiers are scanned in order; the first keyword hit wins.
var classifiers = []struct {
	category Category
	keywords []string
}{
	{CategoryPDF, []string{"pdf"}},
	{CategoryUpload, []string{"upload", "file"}},
	{CategoryProcess, []string{"process"}},
	{CategoryOCSR, []string{"ocsr"}},
	{CategoryDepiction, []string{"depiction", "depict"}},
	{CategoryHeartbeat, []string{"heartbeat"}},
	{CategorySession, []string{"session"}},
}

// Classify maps a request path to its category.
func Classify(path string) Category {
	lower := strings.ToLower(path)
	for _, c := range classifiers {
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				return c.category
			}
		}
	}
	return CategoryDefault
}

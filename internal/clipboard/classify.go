package clipboard

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/clipsync/clipsync/pkg/types"
)

var passwordPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[A-Za-z0-9!@#$%^&*()_+\-=\[\]{};:'",.<>/?\\|` + "`" + `~]{8,}$`),
	regexp.MustCompile(`^password:?\s*\S+`),
	regexp.MustCompile(`^pwd:?\s*\S+`),
}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{3}-\d{2}-\d{4}`),                      // SSN
	regexp.MustCompile(`\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}`), // card number
	regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}$`),              // API key / token
}

var codeIndicators = []string{
	"function", "class", "import", "def", "var", "const",
	"{", "}", "()", "=>", "public", "private",
}

var commentPrefixes = []string{"#", "//", "/*", "import", "function"}

// ClassifyText assigns a content type to a text payload. The order is
// fixed and first match wins: structured data, URL, code, password, text.
func ClassifyText(content string) types.ContentType {
	if json.Valid([]byte(content)) {
		return types.ContentJSON
	}

	for _, prefix := range []string{"http://", "https://", "ftp://"} {
		if strings.HasPrefix(content, prefix) {
			return types.ContentURL
		}
	}

	if looksLikeCode(content) {
		return types.ContentCode
	}

	for _, pattern := range passwordPatterns {
		if pattern.MatchString(content) {
			return types.ContentPassword
		}
	}

	return types.ContentText
}

func looksLikeCode(content string) bool {
	score := 0
	for _, indicator := range codeIndicators {
		if strings.Contains(content, indicator) {
			score++
		}
	}
	if score >= 3 {
		return true
	}

	if !strings.Contains(content, "\n") {
		return false
	}
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		for _, prefix := range commentPrefixes {
			if strings.HasPrefix(trimmed, prefix) {
				return true
			}
		}
	}
	return false
}

// containsSensitive reports whether text matches any of the patterns that
// must never leave the machine (SSN-like, card-like, long tokens).
func containsSensitive(content string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(content) {
			return true
		}
	}
	return false
}

// languageIndicators is ordered: ties between equal scores resolve to the
// earlier entry.
var languageIndicators = []struct {
	name     string
	patterns []string
}{
	{"python", []string{"def ", "import ", "from ", "__init__", "self."}},
	{"javascript", []string{"const ", "let ", "var ", "function ", "=>"}},
	{"java", []string{"public class", "private ", "void ", "System.out"}},
	{"cpp", []string{"#include", "std::", "cout", "nullptr"}},
	{"html", []string{"<html", "<div", "<body", "<!DOCTYPE"}},
	{"css", []string{"{", "}", ":", ";", "px", "color:"}},
	{"sql", []string{"SELECT", "FROM", "WHERE", "INSERT", "UPDATE"}},
}

func detectLanguage(code string) string {
	best, bestScore := "plain", 0
	for _, lang := range languageIndicators {
		score := 0
		for _, p := range lang.patterns {
			if strings.Contains(code, p) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = lang.name, score
		}
	}
	return best
}

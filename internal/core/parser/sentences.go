package parser

import (
	"strings"
	"unicode"
)

var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true, "sr": true, "jr": true,
	"st": true, "vs": true, "etc": true, "inc": true, "ltd": true, "co": true, "corp": true,
	"no": true, "fig": true, "eq": true, "vol": true, "pp": true, "approx": true,
	"jan": true, "feb": true, "mar": true, "apr": true, "jun": true, "jul": true,
	"aug": true, "sep": true, "sept": true, "oct": true, "nov": true, "dec": true,
}

// SplitSentences breaks text at ., ! or ? followed by whitespace and an
// upper-case letter, digit or opening quote. Known abbreviations, initials
// and dotted acronyms (e.g. "U.S.") do not end a sentence.
func SplitSentences(text string) []string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil
	}
	runes := []rune(text)
	var out []string
	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		// swallow closing quotes and brackets
		end := i + 1
		for end < len(runes) && strings.ContainsRune(`"')]”’`, runes[end]) {
			end++
		}
		if end >= len(runes) || runes[end] != ' ' {
			continue
		}
		if end+1 >= len(runes) || !startsSentence(runes[end+1]) {
			continue
		}
		if r == '.' && !endsSentence(runes[start:i]) {
			continue
		}
		out = append(out, strings.TrimSpace(string(runes[start:end])))
		start = end + 1
		i = end
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		out = append(out, tail)
	}
	return out
}

func startsSentence(r rune) bool {
	return unicode.IsUpper(r) || unicode.IsDigit(r) || r == '"' || r == '“' || r == '(' || r == '\''
}

// endsSentence reports whether the word before a period is a real sentence end.
func endsSentence(before []rune) bool {
	j := len(before)
	for j > 0 && before[j-1] != ' ' {
		j--
	}
	word := string(before[j:])
	if word == "" {
		return true
	}
	// single initials like "J." and acronyms like "U.S"
	if len([]rune(word)) == 1 && unicode.IsUpper([]rune(word)[0]) {
		return false
	}
	if strings.Contains(word, ".") {
		return false
	}
	return !abbreviations[strings.ToLower(strings.Trim(word, `"'(`))]
}

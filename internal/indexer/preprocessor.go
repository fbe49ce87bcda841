package indexer

import "strings"

var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n", "\x00", "")

// Preprocess normalizes extracted text before hashing and chunking: line endings
// become \n, a leading byte order mark and NUL bytes are dropped, and trailing
// whitespace is trimmed. Interior whitespace is kept so Markdown structure and
// chunk offsets stay meaningful.
func Preprocess(text string) string {
	text = strings.TrimPrefix(text, "\ufeff")
	text = lineEndings.Replace(text)
	return strings.TrimRight(text, " \t\n")
}

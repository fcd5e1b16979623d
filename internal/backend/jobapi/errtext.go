package jobapi

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/pocketomega/pocket-studio/internal/backend"
	"github.com/pocketomega/pocket-studio/internal/util"
)

const errorTextMaxRunes = 500

var detailKeys = []string{"error.type", "error.code", "reason", "code", "error_code"}

// providerError extracts the most specific text from a failed provider
// response: a JSON message (plus a secondary detail such as a policy code),
// the visible text of an HTML error page, or the raw body.
func providerError(contentType string, body []byte, messageKeys []string) (message, detail string) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", ""
	}

	var doc any
	if json.Unmarshal(trimmed, &doc) == nil {
		message, _ = backend.LookupString(doc, messageKeys)
		detail, _ = backend.LookupString(doc, detailKeys)
		if message != "" {
			return util.TruncateRunes(message, errorTextMaxRunes), detail
		}
	}

	if strings.Contains(strings.ToLower(contentType), "html") || bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<!doctype html")) || bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<html")) {
		if text := htmlErrorText(contentType, trimmed); text != "" {
			return util.TruncateRunes(text, errorTextMaxRunes), detail
		}
	}
	return util.TruncateRunes(string(trimmed), errorTextMaxRunes), detail
}

// htmlErrorText returns "<title>: <body text>" for an HTML error page,
// transcoded to UTF-8 from the declared charset.
func htmlErrorText(contentType string, body []byte) string {
	var r io.Reader = bytes.NewReader(body)
	if utf8Reader, err := charset.NewReaderLabel(extractCharset(contentType), r); err == nil {
		r = utf8Reader
	}
	title, content, _ := extractContent(r)
	content = strings.Join(strings.Fields(content), " ")
	switch {
	case title != "" && content != "" && !strings.HasPrefix(content, title):
		return title + ": " + content
	case content != "":
		return content
	}
	return title
}

// extractCharset extracts the charset value from a Content-Type header.
// Example: "text/html; charset=gbk" → "gbk"
func extractCharset(contentType string) string {
	for _, part := range strings.Split(contentType, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToLower(part), "charset=") {
			return strings.TrimPrefix(strings.ToLower(part), "charset=")
		}
	}
	return ""
}

// skipTags hold no visible error text.
var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true,
	"nav": true, "footer": true, "head": true,
	"svg": true, "iframe": true,
}

// extractContent tokenizes HTML and returns the <title> and visible text.
func extractContent(r io.Reader) (title string, content string, err error) {
	tokenizer := html.NewTokenizer(r)

	var sb strings.Builder
	var inTitle bool
	skipDepth := 0

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			err := tokenizer.Err()
			result := collapseBlankLines(strings.TrimSpace(sb.String()))
			if err == io.EOF {
				return title, result, nil
			}
			return title, result, err

		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			tagName := string(tn)
			if tagName == "title" {
				inTitle = true
			}
			if skipTags[tagName] {
				skipDepth++
			}
			if isBlockElement(tagName) && sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
				sb.WriteString("\n")
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			tagName := string(tn)
			if tagName == "title" {
				inTitle = false
			}
			if skipTags[tagName] && skipDepth > 0 {
				skipDepth--
			}

		case html.TextToken:
			text := strings.TrimSpace(string(tokenizer.Text()))
			if text == "" {
				continue
			}
			if inTitle {
				if title == "" {
					title = text
				}
				continue
			}
			if skipDepth == 0 {
				sb.WriteString(text)
				sb.WriteString(" ")
			}
		}
	}
}

// collapseBlankLines reduces 3+ consecutive newlines down to 2.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var result []string
	blankCount := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blankCount++
			if blankCount <= 1 {
				result = append(result, line)
			}
		} else {
			blankCount = 0
			result = append(result, line)
		}
	}
	return strings.Join(result, "\n")
}

func isBlockElement(tag string) bool {
	switch tag {
	case "p", "div", "h1", "h2", "h3", "h4", "h5", "h6",
		"li", "tr", "br", "hr", "pre", "section", "main", "table":
		return true
	}
	return false
}

package extract

import (
	"bytes"
	"strings"
)

// Reasons returned by Diagnose.
const (
	ReasonOK          = "ok"
	ReasonEmpty       = "empty"
	ReasonBlocked     = "blocked"
	ReasonScriptShell = "script_shell"
	ReasonTooShort    = "too_short"
)

// blockTextMarkers are phrases shown by bot walls, challenge pages and error
// pages. They are only matched against the head of the text so that an
// article that merely mentions a captcha is not rejected.
var blockTextMarkers = []string{
	"checking your browser",
	"just a moment...",
	"attention required! | cloudflare",
	"enable javascript and cookies to continue",
	"please enable cookies",
	"verify you are human",
	"are you a robot",
	"complete the captcha",
	"access denied",
	"403 forbidden",
	"404 not found",
	"page not found",
	"pardon our interruption",
	"request unsuccessful. incapsula",
	"unusual traffic from your computer network",
}

// blockHTMLMarkers only appear in challenge-page markup.
var blockHTMLMarkers = [][]byte{
	[]byte("cf-browser-verification"),
	[]byte("cf_chl_opt"),
	[]byte("challenge-platform"),
	[]byte("_incapsula_resource"),
	[]byte("px-captcha"),
	[]byte("g-recaptcha"),
	[]byte("hcaptcha.com/1/api.js"),
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

const blockScanChars = 1000

// IsBlockPage reports whether text looks like a bot wall or error page.
func IsBlockPage(text string) bool {
	head := text
	if len(head) > blockScanChars {
		head = head[:blockScanChars]
	}
	head = strings.ToLower(head)
	for _, marker := range blockTextMarkers {
		if strings.Contains(head, marker) {
			return true
		}
	}
	return false
}

// IsBlockedHTML reports whether raw markup carries a challenge-page marker.
func IsBlockedHTML(raw []byte) bool {
	lower := bytes.ToLower(raw)
	for _, marker := range blockHTMLMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsScriptShell reports whether raw looks like a client-rendered shell with
// little server-side content.
func IsScriptShell(raw []byte) bool {
	for _, marker := range spaMarkers {
		if bytes.Contains(raw, marker) {
			return true
		}
	}
	return scriptDensityHigh(raw)
}

// Diagnose classifies fetched markup and the text extracted from it.
func Diagnose(raw []byte, text string) string {
	switch {
	case len(raw) == 0 && text == "":
		return ReasonEmpty
	case IsBlockedHTML(raw) || IsBlockPage(text):
		return ReasonBlocked
	case len(text) >= MinContentChars:
		return ReasonOK
	case IsScriptShell(raw):
		return ReasonScriptShell
	default:
		return ReasonTooShort
	}
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		end := strings.Index(lower[contentStart:], closeTag)
		next := total
		if end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}

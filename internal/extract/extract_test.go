package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func paragraphs(n int, sentence string) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString("<p>")
		b.WriteString(sentence)
		b.WriteString("</p>\n")
	}
	return b.String()
}

func TestTextPrefersArticleAndStripsNoise(t *testing.T) {
	t.Parallel()

	page := `<html><head><title>x</title><script>var tracking = 1;</script><style>p{}</style></head>
<body>
<nav><a href="/">Home</a> <a href="/world">World</a></nav>
<header>Site Header</header>
<div class="sidebar">Trending now</div>
<article>
<h1>Parliament approves AI rules</h1>
` + paragraphs(3, "Lawmakers   voted on the package after months of negotiation.") + `
<div class="share-bar share">Share on social</div>
<div id="comments">First!</div>
<p>Continue reading</p>
</article>
<footer>Copyright</footer>
</body></html>`

	text := Text([]byte(page))
	require.True(t, strings.HasPrefix(text, "Parliament approves AI rules"))
	require.Contains(t, text, "Lawmakers voted on the package after months of negotiation.")
	for _, noise := range []string{"tracking", "Home", "Site Header", "Trending", "Share on social", "First!", "Copyright", "Continue reading"} {
		require.NotContains(t, text, noise)
	}
	require.NotContains(t, text, "\n\n\n")
}

func TestTextFallsBackToConventionalContainer(t *testing.T) {
	t.Parallel()

	page := `<html><body><div class="menu">Menu</div>
<div class="entry-content">` + paragraphs(2, "Entry body text.") + `</div>
<div>Footer links</div></body></html>`

	text := Text([]byte(page))
	require.Equal(t, "Entry body text.\n\nEntry body text.", text)
}

func TestTextFallsBackToDensestParagraphBlock(t *testing.T) {
	t.Parallel()

	page := `<html><body>
<div><p>Only one</p></div>
<div>` + paragraphs(4, "Dense block.") + `</div>
</body></html>`

	text := Text([]byte(page))
	require.NotContains(t, text, "Only one")
	require.Equal(t, 4, strings.Count(text, "Dense block."))
}

func TestTextFallsBackToBody(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Just some text", Text([]byte(`<html><body>Just   some text</body></html>`)))
}

func TestCleanCollapsesWhitespaceAndBoilerplate(t *testing.T) {
	t.Parallel()

	in := "  First   line \n\n\n\n Second line. Read more »\n Advertisement \n\nThird\r\n"
	require.Equal(t, "First line\n\nSecond line.\n\nThird", Clean(in))
}

func TestAcceptable(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", MinContentChars)
	require.True(t, Acceptable(long))
	require.False(t, Acceptable(long[:MinContentChars-1]))
	require.False(t, Acceptable("Just a moment... "+long))
}

func TestIsBlockPageOnlyScansHead(t *testing.T) {
	t.Parallel()

	require.True(t, IsBlockPage("Access Denied. You don't have permission."))
	article := strings.Repeat("Security researchers studied bot defenses. ", 40) + "Some sites ask: are you a robot?"
	require.False(t, IsBlockPage(article))
}

func TestDiagnose(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("word ", 80)
	require.Equal(t, ReasonEmpty, Diagnose(nil, ""))
	require.Equal(t, ReasonBlocked, Diagnose([]byte(`<div id="cf-browser-verification"></div>`), long))
	require.Equal(t, ReasonOK, Diagnose([]byte("<p>"+long+"</p>"), long))
	require.Equal(t, ReasonScriptShell, Diagnose([]byte(`<div id="__next"></div>`), "short"))
	require.Equal(t, ReasonScriptShell, Diagnose([]byte(`<html><script>var a=1;</script><p>t</p></html>`), "t"))
	require.Equal(t, ReasonTooShort, Diagnose([]byte(`<html><body><p>`+strings.Repeat("tiny ", 20)+`</p></body></html>`), "tiny"))
}

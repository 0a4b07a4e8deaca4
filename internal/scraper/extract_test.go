package scraper

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const longParagraph = "The quick brown fox jumps over the lazy dog while the market watches closely and analysts debate what it means for the quarter ahead."

func TestExtractFromArticleElement(t *testing.T) {
	t.Parallel()

	html := `<html><head>
		<meta property="og:title" content="OG Headline"/>
		<title>Page Title</title>
	</head><body>
		<nav>Home News Sports</nav>
		<article><p>` + longParagraph + `</p><p>` + longParagraph + `</p></article>
		<footer>Copyright</footer>
	</body></html>`

	title, content, err := Extract([]byte(html))
	require.NoError(t, err)
	require.Equal(t, "OG Headline", title)
	require.Contains(t, content, "quick brown fox")
	require.NotContains(t, content, "Home News Sports")
	require.NotContains(t, content, "Copyright")
}

func TestExtractTitleFallsBackToTitleTagAndH1(t *testing.T) {
	t.Parallel()

	html := `<html><head><title>Title Tag</title></head><body>
		<article><p>` + longParagraph + `</p></article>
	</body></html>`
	title, _, err := Extract([]byte(html))
	require.NoError(t, err)
	require.Equal(t, "Title Tag", title)

	html = `<html><body><h1>Heading One</h1>
		<article><p>` + longParagraph + `</p></article>
	</body></html>`
	title, _, err = Extract([]byte(html))
	require.NoError(t, err)
	require.Equal(t, "Heading One", title)
}

func TestExtractFromKnownContentSelector(t *testing.T) {
	t.Parallel()

	html := `<html><head><title>T</title></head><body>
		<div class="article-content"><p>` + longParagraph + `</p></div>
	</body></html>`

	_, content, err := Extract([]byte(html))
	require.NoError(t, err)
	require.Contains(t, content, "quick brown fox")
}

func TestExtractFromDensestDiv(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString(`<html><head><title>T</title></head><body><div id="wrapper">`)
	for i := 0; i < 4; i++ {
		b.WriteString("<p>" + longParagraph + "</p>")
	}
	b.WriteString(`</div><div><p>short</p></div></body></html>`)

	_, content, err := Extract([]byte(b.String()))
	require.NoError(t, err)
	require.Contains(t, content, "quick brown fox")
}

func TestExtractParagraphSweepSkipsShortFragments(t *testing.T) {
	t.Parallel()

	html := `<html><head><title>T</title></head><body>
		<span><p>tiny</p></span>
		<span><p>` + longParagraph + `</p></span>
	</body></html>`

	_, content, err := Extract([]byte(html))
	require.NoError(t, err)
	require.Contains(t, content, "quick brown fox")
	require.NotContains(t, content, "tiny")
}

func TestExtractFailsWithoutContent(t *testing.T) {
	t.Parallel()

	_, _, err := Extract([]byte(`<html><head><title>Empty</title></head><body></body></html>`))
	require.Error(t, err)
}

func TestExtractStripsScriptsAndStyles(t *testing.T) {
	t.Parallel()

	html := `<html><head><title>T</title></head><body>
		<article>
			<script>var tracking = true;</script>
			<style>.hidden{display:none}</style>
			<p>` + longParagraph + `</p>
		</article>
	</body></html>`

	_, content, err := Extract([]byte(html))
	require.NoError(t, err)
	require.NotContains(t, content, "tracking")
	require.NotContains(t, content, "hidden")
}

func TestExtractCapsContentLength(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString(`<html><head><title>T</title></head><body><article>`)
	for i := 0; i < 600; i++ {
		b.WriteString("<p>" + longParagraph + "</p>")
	}
	b.WriteString(`</article></body></html>`)

	_, content, err := Extract([]byte(b.String()))
	require.NoError(t, err)
	require.LessOrEqual(t, len(content), maxContentLength+len("..."))
	require.True(t, strings.HasSuffix(content, "..."))
}

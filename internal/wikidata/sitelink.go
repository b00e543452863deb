package wikidata

import (
	"net/url"
	"strings"
)

// nonWikipedia lists "*wiki" site ids that are not language Wikipedias.
var nonWikipedia = map[string]bool{
	"commonswiki":    true,
	"specieswiki":    true,
	"metawiki":       true,
	"wikidatawiki":   true,
	"mediawikiwiki":  true,
	"sourceswiki":    true,
	"incubatorwiki":  true,
	"outreachwiki":   true,
	"wikimaniawiki":  true,
	"foundationwiki": true,
}

// ArticleURL returns the Wikipedia article URL for a sitelink, or false for
// sites that are not language Wikipedias.
func ArticleURL(link Sitelink) (string, bool) {
	lang, ok := strings.CutSuffix(link.Site, "wiki")
	if !ok || lang == "" || nonWikipedia[link.Site] || link.Title == "" {
		return "", false
	}
	u := url.URL{
		Scheme: "https",
		Host:   strings.ReplaceAll(lang, "_", "-") + ".wikipedia.org",
		Path:   "/wiki/" + strings.ReplaceAll(link.Title, " ", "_"),
	}
	return u.String(), true
}

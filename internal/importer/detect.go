package importer

import (
	"bytes"
	"mime"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

// feedKind はフィードの種類（RSS/Atom）を表す。
type feedKind string

const (
	feedKindRSS  feedKind = "rss"
	feedKindAtom feedKind = "atom"
)

// feedLink はHTMLのlink要素から検出したフィード候補を表す。
type feedLink struct {
	URL  string
	Kind feedKind
}

// feedMediaTypes はそれだけでフィードと判定するメディアタイプ。
var feedMediaTypes = []string{"application/rss+xml", "application/atom+xml"}

// xmlMediaTypes はボディを見てフィードか判定するメディアタイプ。
var xmlMediaTypes = []string{"text/xml", "application/xml"}

// mediaTypeOf はContent-Typeからパラメータを除いたメディアタイプを小文字で返す。
func mediaTypeOf(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.ToLower(mediaType)
}

// isFeedResponse はContent-Typeとボディからレスポンスがフィードかを判定する。
func isFeedResponse(contentType string, body []byte) bool {
	mediaType := mediaTypeOf(contentType)
	if slices.Contains(feedMediaTypes, mediaType) {
		return true
	}
	if !slices.Contains(xmlMediaTypes, mediaType) || len(body) == 0 {
		return false
	}
	return looksLikeFeedXML(body)
}

// looksLikeFeedXML はXMLの先頭4KBからRSS/RDF/Atomのルート要素を探す。
func looksLikeFeedXML(body []byte) bool {
	prefix := strings.ToLower(string(body[:min(len(body), 4096)]))
	switch {
	case strings.Contains(prefix, "<rss"), strings.Contains(prefix, "<rdf:rdf"):
		return true
	case strings.Contains(prefix, "<feed") && strings.Contains(prefix, "http://www.w3.org/2005/atom"):
		return true
	}
	return false
}

// findFeedLinks はHTMLのhead内にある rel="alternate" のRSS/Atomリンクを返す。
// 相対URLはbaseURLを基準に解決する。
func findFeedLinks(htmlBody []byte, baseURL string) []feedLink {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	var links []feedLink
	z := html.NewTokenizer(bytes.NewReader(htmlBody))
	inHead := false

	for {
		switch z.Next() {
		case html.ErrorToken:
			return links

		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "head" {
				return links
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "head":
				inHead = true
				continue
			case "body":
				return links
			case "link":
			default:
				continue
			}
			if !inHead || !hasAttr {
				continue
			}

			attrs := map[string]string{}
			for more := true; more; {
				var k, v []byte
				k, v, more = z.TagAttr()
				attrs[strings.ToLower(string(k))] = string(v)
			}

			if !slices.Contains(strings.Fields(strings.ToLower(attrs["rel"])), "alternate") || attrs["href"] == "" {
				continue
			}

			var kind feedKind
			switch strings.ToLower(attrs["type"]) {
			case "application/rss+xml":
				kind = feedKindRSS
			case "application/atom+xml":
				kind = feedKindAtom
			default:
				continue
			}

			ref, err := url.Parse(attrs["href"])
			if err != nil {
				continue
			}
			links = append(links, feedLink{URL: base.ResolveReference(ref).String(), Kind: kind})
		}
	}
}

// selectFeedLink は候補から取り込むフィードを1つ選ぶ。
// 優先順位: 同一ホスト > Atom > 出現順。
func selectFeedLink(links []feedLink, pageURL string) (feedLink, bool) {
	if len(links) == 0 {
		return feedLink{}, false
	}

	pageHost := hostOf(pageURL)
	best, bestScore := 0, -1
	for i, l := range links {
		score := 0
		if hostOf(l.URL) == pageHost {
			score += 100
		}
		if l.Kind == feedKindAtom {
			score += 10
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return links[best], true
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

package entry

import (
	"net/url"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer は記事HTMLを許可リストで無害化する。
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer は記事本文用のポリシーを構築する。
//   - 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em, img
//   - aはhrefのみ。target="_blank" と rel="noreferrer noopener" を付与
//   - imgはsrcとalt
//   - URLはhttpsのみ
func NewSanitizer() *Sanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(*url.URL) bool { return true })
	p.RequireParseableURLs(true)

	return &Sanitizer{policy: p}
}

// Sanitize はHTMLを無害化して返す。同じ入力には同じ出力を返す。
func (s *Sanitizer) Sanitize(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	return s.policy.Sanitize(rawHTML)
}

// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService はユーザー投稿やインポートしたレシピの本文をサニタイズする。
// 作り方（instructions）は限定的なリッチテキストを許可し、
// タイトル・材料・コメントはタグを全て除去したプレーンテキストにする。
package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はレシピ本文のサニタイズ機能のインターフェースを定義する。
type ContentSanitizerService interface {
	// SanitizeRichText は作り方のHTMLを許可リストに従ってサニタイズする。
	// 手順の箇条書きと強調、httpsの画像、外部リンクのみを残す。
	SanitizeRichText(rawHTML string) string

	// SanitizeText は全てのタグを除去し、前後の空白を取り除いたプレーンテキストを返す。
	SanitizeText(raw string) string
}

type contentSanitizer struct {
	rich   *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// ポリシーの内容:
//   - 作り方: p, br, ul, ol, li, strong, em, h3, h4, a, img
//   - imgのsrc属性: httpsスキームのみ
//   - aタグ: target="_blank" と rel="noopener noreferrer" を自動付与
//   - テキスト: タグなし
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"strong", "em", "h3", "h4",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return true
	})

	return &contentSanitizer{
		rich:   p,
		strict: bluemonday.StrictPolicy(),
	}
}

// SanitizeRichText は作り方のHTMLをサニタイズする。
func (s *contentSanitizer) SanitizeRichText(rawHTML string) string {
	return strings.TrimSpace(s.rich.Sanitize(rawHTML))
}

// SanitizeText はタグを除去したプレーンテキストを返す。
// StrictPolicyがエスケープした文字参照はJSONで返すため元の文字に戻す。
func (s *contentSanitizer) SanitizeText(raw string) string {
	return strings.TrimSpace(html.UnescapeString(s.strict.Sanitize(raw)))
}

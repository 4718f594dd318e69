package workers

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/solopub/solopub/models"
)

// discoverWebmentionEndpoint fetches target and returns its advertised
// webmention endpoint, from the Link header or the page markup. An
// empty string means the target accepts no webmentions.
func discoverWebmentionEndpoint(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	for _, link := range resp.Header.Values("Link") {
		if endpoint := parseLinkHeader(link); endpoint != "" {
			return resolveRef(target, endpoint), nil
		}
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return "", err
	}
	if endpoint, ok := findEndpointNode(doc); ok {
		return resolveRef(target, endpoint), nil
	}
	return "", nil
}

// parseLinkHeader extracts the href of a rel="webmention" Link header
// value.
func parseLinkHeader(value string) string {
	for _, field := range strings.Split(value, ",") {
		parts := strings.Split(field, ";")
		if len(parts) < 2 {
			continue
		}
		href := strings.Trim(strings.TrimSpace(parts[0]), "<>")
		for _, param := range parts[1:] {
			k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok || k != "rel" {
				continue
			}
			for _, rel := range strings.Fields(strings.Trim(v, `"`)) {
				if rel == "webmention" {
					return href
				}
			}
		}
	}
	return ""
}

// findEndpointNode walks the parsed page for the first link or a
// element with rel=webmention.
func findEndpointNode(n *html.Node) (string, bool) {
	if n.Type == html.ElementNode && (n.Data == "link" || n.Data == "a") {
		var href string
		rel := false
		for _, attr := range n.Attr {
			switch attr.Key {
			case "href":
				href = attr.Val
			case "rel":
				for _, r := range strings.Fields(attr.Val) {
					if r == "webmention" {
						rel = true
					}
				}
			}
		}
		if rel {
			return href, true
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if endpoint, ok := findEndpointNode(c); ok {
			return endpoint, true
		}
	}
	return "", false
}

func resolveRef(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// inspectSource fetches a webmention source and reports whether it
// still links to target, and what kind of mention the markup claims it
// to be.
func inspectSource(ctx context.Context, source, target string) (bool, models.WebmentionType, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return false, models.WebmentionUnknown, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, models.WebmentionUnknown, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		return false, models.WebmentionUnknown, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, models.WebmentionUnknown, errUnexpectedStatus(resp.StatusCode)
	}
	doc, err := html.Parse(resp.Body)
	if err != nil {
		return false, models.WebmentionUnknown, err
	}
	linked, typ := classifyMention(doc, target)
	return linked, typ, nil
}

// classifyMention reports whether the document links to target, and
// the microformats flavour of the first such link.
func classifyMention(n *html.Node, target string) (bool, models.WebmentionType) {
	if n.Type == html.ElementNode && n.Data == "a" {
		var href, class string
		for _, attr := range n.Attr {
			switch attr.Key {
			case "href":
				href = attr.Val
			case "class":
				class = attr.Val
			}
		}
		if href == target {
			switch {
			case strings.Contains(class, "u-like-of"):
				return true, models.WebmentionLike
			case strings.Contains(class, "u-repost-of"):
				return true, models.WebmentionRepost
			case strings.Contains(class, "u-in-reply-to"):
				return true, models.WebmentionReply
			default:
				return true, models.WebmentionUnknown
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if linked, typ := classifyMention(c, target); linked {
			return linked, typ
		}
	}
	return false, models.WebmentionUnknown
}

type errUnexpectedStatus int

func (e errUnexpectedStatus) Error() string {
	return http.StatusText(int(e)) + " fetching source"
}

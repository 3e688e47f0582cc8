package evolution

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"overdrive/internal/logging"
)

const (
	duckDuckGoHTML = "https://html.duckduckgo.com/html/?q="
	redirectPrefix = "//duckduckgo.com/l/?uddg="

	maxFetchBytes  = 1 << 20 // per page
	maxSectionText = 4000
	maxCodeBlocks  = 8

	defaultFetchTimeout = 30 * time.Second
	defaultMaxResults   = 5
)

// trustedSites narrows searches to documentation and community sources
// known to carry working answers for a technology.
var trustedSites = map[string][]string{
	"python":     {"docs.python.org", "stackoverflow.com"},
	"javascript": {"developer.mozilla.org", "stackoverflow.com"},
	"nodejs":     {"nodejs.org", "stackoverflow.com"},
	"node":       {"nodejs.org", "stackoverflow.com"},
	"go":         {"go.dev", "pkg.go.dev"},
	"rust":       {"doc.rust-lang.org", "stackoverflow.com"},
	"bash":       {"www.gnu.org", "stackoverflow.com"},
}

// SearchHit is one result row from the search page.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Section is the distilled content of one fetched page.
type Section struct {
	Title      string   `json:"title"`
	URL        string   `json:"url"`
	Text       string   `json:"text"`
	CodeBlocks []string `json:"code_blocks,omitempty"`
}

// WebContext is everything one research pass learned about a problem.
type WebContext struct {
	Query    string      `json:"query"`
	Hits     []SearchHit `json:"hits,omitempty"`
	Sections []Section   `json:"sections,omitempty"`
}

// Empty reports whether the research produced nothing usable.
func (w *WebContext) Empty() bool {
	return w == nil || (len(w.Hits) == 0 && len(w.Sections) == 0)
}

// SourceURLs lists the pages that contributed sections.
func (w *WebContext) SourceURLs() []string {
	if w == nil {
		return nil
	}
	out := make([]string, 0, len(w.Sections))
	for _, s := range w.Sections {
		if s.URL != "" {
			out = append(out, s.URL)
		}
	}
	return out
}

// ResearcherConfig tunes the web research step. Zero values fall back
// to defaults.
type ResearcherConfig struct {
	FetchTimeout time.Duration
	MaxResults   int
	CacheTTL     time.Duration
	CacheSize    int
}

// Researcher queries the DuckDuckGo HTML endpoint, fetches the top
// result pages through a TTL cache, and extracts text plus code blocks.
type Researcher struct {
	client     *http.Client
	searchBase string
	maxResults int
	cache      *ttlCache
}

// NewResearcher builds a researcher with its own HTTP client.
func NewResearcher(cfg ResearcherConfig) *Researcher {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	return &Researcher{
		client:     &http.Client{Timeout: timeout},
		searchBase: duckDuckGoHTML,
		maxResults: maxResults,
		cache:      newTTLCache(cfg.CacheSize, cfg.CacheTTL),
	}
}

// Research searches for the problem, fetches the top hits in parallel,
// and returns whatever could be extracted. Individual page failures are
// logged and skipped; only a failed search is an error.
func (r *Researcher) Research(ctx context.Context, problem, technology string) (*WebContext, error) {
	query := searchQuery(problem, technology)
	hits, err := r.search(ctx, query)
	if err != nil {
		return nil, err
	}
	wc := &WebContext{Query: query, Hits: hits}
	if len(hits) > r.maxResults {
		hits = hits[:r.maxResults]
	}

	sections := make([]Section, len(hits))
	g, gctx := errgroup.WithContext(ctx)
	for i, hit := range hits {
		g.Go(func() error {
			body, err := r.get(gctx, hit.URL)
			if err != nil {
				logging.ResearchDebug("fetch %s: %v", hit.URL, err)
				return nil
			}
			sec := extractSection(body, hit.URL)
			if sec.Title == "" {
				sec.Title = hit.Title
			}
			sections[i] = sec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, sec := range sections {
		if sec.URL != "" {
			wc.Sections = append(wc.Sections, sec)
		}
	}
	logging.Research("web research %q: %d hits, %d pages extracted", query, len(wc.Hits), len(wc.Sections))
	return wc, nil
}

// searchQuery prefixes the technology and appends trusted site filters.
func searchQuery(problem, technology string) string {
	q := strings.TrimSpace(problem)
	tech := strings.ToLower(strings.TrimSpace(technology))
	if tech != "" && !strings.Contains(strings.ToLower(q), tech) {
		q = tech + " " + q
	}
	if sites := trustedSites[tech]; len(sites) > 0 {
		parts := make([]string, len(sites))
		for i, s := range sites {
			parts[i] = "site:" + s
		}
		q += " (" + strings.Join(parts, " OR ") + ")"
	}
	return q
}

func (r *Researcher) search(ctx context.Context, query string) ([]SearchHit, error) {
	body, err := r.get(ctx, r.searchBase+url.QueryEscape(query))
	if err != nil {
		return nil, fmt.Errorf("evolution: search %q: %w", query, err)
	}
	return parseSearchHits(body, r.maxResults*2), nil
}

// get fetches a URL through the cache with browser-like headers and a
// hard byte cap.
func (r *Researcher) get(ctx context.Context, rawURL string) (string, error) {
	key := hashKey(rawURL)
	if body, ok := r.cache.get(key); ok {
		logging.ResearchDebug("cache hit for %s", rawURL)
		return body, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", err
	}
	body := string(data)
	r.cache.set(key, body)
	return body, nil
}

// parseSearchHits walks the result page. DuckDuckGo marks each hit with
// a div whose class carries both "result" and "results_links".
func parseSearchHits(body string, max int) []SearchHit {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil
	}

	var hits []SearchHit
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(hits) >= max {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" {
			class := attrValue(n, "class")
			if strings.Contains(class, "result") && strings.Contains(class, "results_links") {
				if hit := extractHit(n); hit.URL != "" && hit.Title != "" {
					hits = append(hits, hit)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return hits
}

func extractHit(n *html.Node) SearchHit {
	var hit SearchHit
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			class := attrValue(n, "class")
			switch {
			case strings.Contains(class, "result__a"):
				hit.URL = attrValue(n, "href")
				hit.Title = textContent(n)
			case strings.Contains(class, "result__snippet"):
				hit.Snippet = textContent(n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	hit.URL = decodeRedirect(hit.URL)
	return hit
}

// decodeRedirect unwraps DuckDuckGo's uddg redirect links.
func decodeRedirect(href string) string {
	if !strings.HasPrefix(href, redirectPrefix) {
		return href
	}
	decoded, err := url.QueryUnescape(strings.TrimPrefix(href, redirectPrefix))
	if err != nil {
		return href
	}
	if idx := strings.Index(decoded, "&"); idx > 0 {
		decoded = decoded[:idx]
	}
	return decoded
}

// extractSection distills one fetched page: title, heading/paragraph
// text capped at maxSectionText, and the first few code blocks.
func extractSection(body, pageURL string) Section {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return Section{}
	}
	sec := Section{URL: pageURL}
	var parts []string

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "nav", "footer", "header":
				return
			case "title":
				if sec.Title == "" {
					sec.Title = textContent(n)
				}
				return
			case "pre":
				if len(sec.CodeBlocks) < maxCodeBlocks {
					if code := strings.TrimSpace(rawText(n)); code != "" {
						sec.CodeBlocks = append(sec.CodeBlocks, code)
					}
				}
				return
			case "h1", "h2", "h3", "p", "li":
				if t := textContent(n); t != "" {
					parts = append(parts, t)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	sec.Text = strings.Join(parts, "\n")
	if len(sec.Text) > maxSectionText {
		sec.Text = sec.Text[:maxSectionText]
	}
	return sec
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// textContent joins all text nodes with single spaces, for prose.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				sb.WriteString(t)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}

// rawText preserves whitespace, for code blocks.
func rawText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

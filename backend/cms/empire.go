package cms

import (
	"context"
	"fmt"
	stdhtml "html"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-resty/resty/v2"
	"golang.org/x/net/html"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36"

var (
	metaRefreshRe = regexp.MustCompile(`(?i)url=([^"'>\s]+)`)
	firstHrefRe   = regexp.MustCompile(`(?i)<a\s+href=["']([^"']+)["']`)
	jumpToMainRe  = regexp.MustCompile(`JumpToMain\('([^']+)'\)`)
	addNewsURLRe  = regexp.MustCompile(`self\.location\.href='([^']*AddNews\.php[^']*)'`)
	classOptionRe = regexp.MustCompile(`value=\\?'([^\\']+)\\?'[^>]*>([^<]+)</option>`)
	classJSRe     = regexp.MustCompile(`(?i)src=["']([^"']*cmsclass\.js[^"']*)["']`)
)

// EmpireAdapter drives the EmpireCMS admin backend: form login with hidden
// fields, a meta-refresh redirect chase into the admin frameset, category
// discovery from the class-menu JavaScript, and AddNews form posts.
type EmpireAdapter struct{}

// NewEmpireAdapter creates the EmpireCMS adapter
func NewEmpireAdapter() *EmpireAdapter {
	return &EmpireAdapter{}
}

type empireSession struct {
	client      *resty.Client
	baseURL     string
	addPageURL  string
	addPageBody string
	gbk         bool
}

// OpenSession performs the scraped login sequence and lands on the
// add-info class page the submission flow starts from.
func (a *EmpireAdapter) OpenSession(ctx context.Context, cfg SiteConfig) (Session, error) {
	client := newClient(cfg)

	// Landing page carries hidden login form fields.
	landing, err := client.R().SetContext(ctx).Get(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("fetch landing page: %w", err)
	}
	hidden := hiddenInputs(landing.String())

	form := map[string]string{
		"enews":     "login",
		"username":  cfg.Username,
		"password":  cfg.Password,
		"equestion": "0",
		"eanswer":   "adminwindow",
	}
	for k, v := range hidden {
		form[k] = v
	}

	loginURL := cfg.BaseURL + "/ecmsadmin.php"
	loginResp, err := client.R().SetContext(ctx).SetFormData(form).Post(loginURL)
	if err != nil {
		return nil, fmt.Errorf("post login form: %w", err)
	}

	// Successful login answers with a meta-refresh jump page.
	m := metaRefreshRe.FindStringSubmatch(loginResp.String())
	if m == nil {
		return nil, &AuthError{Site: cfg.BaseURL, Reason: "no redirect after login, credentials likely rejected"}
	}
	jumpURL := resolveRef(loginURL, htmlUnescape(m[1]))

	jumpPage, err := client.R().SetContext(ctx).Get(jumpURL)
	if err != nil {
		return nil, fmt.Errorf("follow login redirect: %w", err)
	}

	// The jump page links into the admin frameset.
	m = firstHrefRe.FindStringSubmatch(jumpPage.String())
	if m == nil {
		return nil, &ProtocolError{Site: cfg.BaseURL, Reason: "no admin link on login jump page"}
	}
	mainPage, err := client.R().SetContext(ctx).Get(resolveRef(jumpURL, htmlUnescape(m[1])))
	if err != nil {
		return nil, fmt.Errorf("fetch admin main page: %w", err)
	}
	body := mainPage.String()

	// The menu cell for adding articles jumps into the class-selection page.
	m = jumpToMainRe.FindStringSubmatch(body)
	if m == nil {
		return nil, &ProtocolError{Site: cfg.BaseURL, Reason: "add-info menu entry not found"}
	}
	addPageURL := resolveRef(cfg.BaseURL+"/", htmlUnescape(m[1]))

	addPage, err := client.R().SetContext(ctx).Get(addPageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch add-info page: %w", err)
	}

	return &empireSession{
		client:      client,
		baseURL:     cfg.BaseURL,
		addPageURL:  addPageURL,
		addPageBody: addPage.String(),
		gbk:         strings.Contains(body, ">GBK<"),
	}, nil
}

// ListCategories logs in and scrapes the class menu out of cmsclass.js
func (a *EmpireAdapter) ListCategories(ctx context.Context, cfg SiteConfig) ([]Category, error) {
	sess, err := a.OpenSession(ctx, cfg)
	if err != nil {
		return nil, err
	}
	es := sess.(*empireSession)

	m := classJSRe.FindStringSubmatch(es.addPageBody)
	if m == nil {
		return nil, &ProtocolError{Site: cfg.BaseURL, Reason: "class menu script not found"}
	}
	jsURL := resolveRef(es.addPageURL, htmlUnescape(m[1]))

	jsResp, err := es.client.R().SetContext(ctx).Get(jsURL)
	if err != nil {
		return nil, fmt.Errorf("fetch class menu script: %w", err)
	}

	matches := classOptionRe.FindAllStringSubmatch(jsResp.String(), -1)
	if len(matches) == 0 {
		return nil, &ProtocolError{Site: cfg.BaseURL, Reason: "no category options in class menu script"}
	}

	cats := make([]Category, 0, len(matches))
	for _, om := range matches {
		cats = append(cats, Category{Value: om[1], Label: strings.TrimSpace(om[2])})
	}
	return cats, nil
}

// Submit posts one article through the AddNews form
func (s *empireSession) Submit(ctx context.Context, category, title, body string) (string, error) {
	m := addNewsURLRe.FindStringSubmatch(s.addPageBody)
	if m == nil {
		return "", &ProtocolError{Site: s.baseURL, Reason: "AddNews url template not found"}
	}
	formURL := resolveRef(s.baseURL+"/", htmlUnescape(m[1])+category)

	formPage, err := s.client.R().SetContext(ctx).Get(formURL)
	if err != nil {
		return "", fmt.Errorf("fetch article form: %w", err)
	}

	if s.gbk {
		if enc, err := toGBK(title); err == nil {
			title = enc
		}
		if enc, err := toGBK(body); err == nil {
			body = enc
		}
	}

	form := map[string]string{
		"checked":   "1",
		"title":     title,
		"newstext":  body,
		"classid":   category,
		"ecmscheck": "0",
		"enews":     "AddNews",
	}
	for k, v := range hiddenInputs(formPage.String()) {
		form[k] = v
	}

	resp, err := s.client.R().SetContext(ctx).SetFormData(form).Post(s.baseURL + "/ecmsinfo.php")
	if err != nil {
		return "", fmt.Errorf("post article: %w", err)
	}

	// The CMS answers posts with HTTP 200 regardless; only the success
	// banner in the body distinguishes the outcome.
	respBody := resp.String()
	if !strings.Contains(respBody, "增加信息成功") {
		return "", &ProtocolError{Site: s.baseURL, Reason: "success banner missing from AddNews response"}
	}
	return respBody, nil
}

func newClient(cfg SiteConfig) *resty.Client {
	jar, _ := cookiejar.New(nil)
	client := resty.New().
		SetCookieJar(jar).
		SetHeader("User-Agent", userAgent).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return client
}

// hiddenInputs collects name/value pairs of hidden form inputs on a page
func hiddenInputs(page string) map[string]string {
	inputs := make(map[string]string)
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return inputs
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" {
			var name, value, typ string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "name":
					name = attr.Val
				case "value":
					value = attr.Val
				case "type":
					typ = attr.Val
				}
			}
			if typ == "hidden" && name != "" {
				inputs[name] = value
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return inputs
}

func resolveRef(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	u, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return u.ResolveReference(r).String()
}

func htmlUnescape(s string) string {
	return stdhtml.UnescapeString(s)
}

func toGBK(s string) (string, error) {
	out, _, err := transform.String(simplifiedchinese.GBK.NewEncoder(), s)
	return out, err
}

var _ Adapter = (*EmpireAdapter)(nil)

package cms

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmpire mimics the EmpireCMS admin flow: hidden-field login form,
// meta-refresh jump page, admin frameset, class menu script and the
// AddNews form post.
type fakeEmpire struct {
	mux      *http.ServeMux
	password string

	lastLogin   map[string]string
	lastArticle map[string]string
}

func newFakeEmpire() *fakeEmpire {
	f := &fakeEmpire{
		mux:      http.NewServeMux(),
		password: "secret",
	}

	f.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><form>
			<input type="hidden" name="ehash" value="h4sh">
			<input type="text" name="username">
		</form></body></html>`))
	})

	f.mux.HandleFunc("/ecmsadmin.php", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f.lastLogin = formMap(r)
		if r.PostFormValue("password") != f.password {
			w.Write([]byte(`<html><body>password wrong, go back</body></html>`))
			return
		}
		w.Write([]byte(`<html><head><meta http-equiv="refresh" content="0;url=jump.php"></head></html>`))
	})

	f.mux.HandleFunc("/jump.php", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><a href="main.php">enter admin</a></body></html>`))
	})

	f.mux.HandleFunc("/main.php", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
			<td onclick="JumpToMain('addpage.php')">add article</td>
		</body></html>`))
	})

	f.mux.HandleFunc("/addpage.php", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><script src="cmsclass.js"></script></head><body>
			<script>function go(id){self.location.href='AddNews.php?enews=AddNews&classid='+id;}</script>
		</body></html>`))
	})

	f.mux.HandleFunc("/cmsclass.js", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`document.write('<option value=\'1\'>News</option><option value=\'2\'>Tech</option>');`))
	})

	f.mux.HandleFunc("/AddNews.php", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><form>
			<input type="hidden" name="ecmsfrom" value="9">
			<input type="text" name="title">
		</form></body></html>`))
	})

	f.mux.HandleFunc("/ecmsinfo.php", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f.lastArticle = formMap(r)
		if r.PostFormValue("title") == "" {
			w.Write([]byte(`<html><body>missing title</body></html>`))
			return
		}
		w.Write([]byte(`<html><body>增加信息成功</body></html>`))
	})

	return f
}

func formMap(r *http.Request) map[string]string {
	out := make(map[string]string)
	for k := range r.PostForm {
		out[k] = r.PostFormValue(k)
	}
	return out
}

func startFakeEmpire(t *testing.T) (*fakeEmpire, SiteConfig) {
	fake := newFakeEmpire()
	server := httptest.NewServer(fake.mux)
	t.Cleanup(server.Close)

	return fake, SiteConfig{
		BaseURL:  server.URL,
		Username: "admin",
		Password: "secret",
	}
}

func TestOpenSessionLoginFlow(t *testing.T) {
	fake, cfg := startFakeEmpire(t)
	adapter := NewEmpireAdapter()

	session, err := adapter.OpenSession(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, session)

	// The login post carries credentials plus the scraped hidden fields.
	assert.Equal(t, "login", fake.lastLogin["enews"])
	assert.Equal(t, "admin", fake.lastLogin["username"])
	assert.Equal(t, "secret", fake.lastLogin["password"])
	assert.Equal(t, "h4sh", fake.lastLogin["ehash"])
}

func TestOpenSessionBadCredentials(t *testing.T) {
	_, cfg := startFakeEmpire(t)
	cfg.Password = "wrong"
	adapter := NewEmpireAdapter()

	_, err := adapter.OpenSession(context.Background(), cfg)
	require.Error(t, err)

	var authErr *AuthError
	assert.True(t, errors.As(err, &authErr), "expected AuthError, got %v", err)
}

func TestListCategories(t *testing.T) {
	_, cfg := startFakeEmpire(t)
	adapter := NewEmpireAdapter()

	cats, err := adapter.ListCategories(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []Category{
		{Value: "1", Label: "News"},
		{Value: "2", Label: "Tech"},
	}, cats)
}

func TestSubmit(t *testing.T) {
	fake, cfg := startFakeEmpire(t)
	adapter := NewEmpireAdapter()

	session, err := adapter.OpenSession(context.Background(), cfg)
	require.NoError(t, err)

	resp, err := session.Submit(context.Background(), "2", "my title", "article body")
	require.NoError(t, err)
	assert.Contains(t, resp, "增加信息成功")

	assert.Equal(t, "AddNews", fake.lastArticle["enews"])
	assert.Equal(t, "my title", fake.lastArticle["title"])
	assert.Equal(t, "article body", fake.lastArticle["newstext"])
	assert.Equal(t, "2", fake.lastArticle["classid"])
	// Hidden fields from the article form are carried into the post.
	assert.Equal(t, "9", fake.lastArticle["ecmsfrom"])
}

func TestSubmitBannerMissing(t *testing.T) {
	_, cfg := startFakeEmpire(t)
	adapter := NewEmpireAdapter()

	session, err := adapter.OpenSession(context.Background(), cfg)
	require.NoError(t, err)

	// The fake rejects empty titles without the success banner.
	_, err = session.Submit(context.Background(), "1", "", "body")
	require.Error(t, err)

	var protoErr *ProtocolError
	assert.True(t, errors.As(err, &protoErr), "expected ProtocolError, got %v", err)
}

func TestHiddenInputs(t *testing.T) {
	page := `<html><body><form>
		<input type="hidden" name="a" value="1">
		<input type="hidden" name="b" value="2">
		<input type="text" name="visible" value="x">
		<input type="hidden" value="orphan">
	</form></body></html>`

	inputs := hiddenInputs(page)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, inputs)
}

func TestHTMLUnescape(t *testing.T) {
	assert.Equal(t, "jump.php?a=1&b=2", htmlUnescape("jump.php?a=1&amp;b=2"))
	// Scraped URLs carry more than just ampersand entities.
	assert.Equal(t, `main.php?q="x"<y>`, htmlUnescape("main.php?q=&quot;x&quot;&lt;y&gt;"))
	assert.Equal(t, "AddNews.php?id='9'", htmlUnescape("AddNews.php?id=&#39;9&#39;"))
}

func TestResolveRef(t *testing.T) {
	assert.Equal(t, "http://a.example.com/e/admin/jump.php",
		resolveRef("http://a.example.com/e/admin/ecmsadmin.php", "jump.php"))
	assert.Equal(t, "http://other.example.com/x",
		resolveRef("http://a.example.com/e/admin/", "http://other.example.com/x"))
}

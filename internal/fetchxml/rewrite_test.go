package fetchxml

import (
	"strings"
	"testing"

	"github.com/dvtools/dvq/internal/dverr"
)

func mustRewrite(t *testing.T, fetchXML string, opts Options) string {
	t.Helper()
	doc, err := Parse(fetchXML)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Rewrite(doc, opts)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not xml", "<fetch"},
		{"wrong root", `<query><entity name="a"/></query>`},
		{"no entity", `<fetch></fetch>`},
		{"entity without name", `<fetch><entity/></fetch>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.in)
			if dverr.CodeOf(err) != dverr.CodeInvalidFetchXml {
				t.Errorf("expected InvalidFetchXml, got %v", err)
			}
		})
	}
}

func TestRewriteTopWithPaging(t *testing.T) {
	out := mustRewrite(t,
		`<fetch top="10"><entity name="account"><attribute name="name"/></entity></fetch>`,
		Options{PageNumber: 2})

	if strings.Contains(out, "top=") {
		t.Errorf("top should be removed: %s", out)
	}
	if !strings.Contains(out, `count="10"`) {
		t.Errorf("missing count=10: %s", out)
	}
	if !strings.Contains(out, `page="2"`) {
		t.Errorf("missing page=2: %s", out)
	}
}

func TestRewriteTopClampedToPageCeiling(t *testing.T) {
	out := mustRewrite(t,
		`<fetch top="9000"><entity name="account"/></fetch>`,
		Options{PagingCookie: "<cookie/>"})
	if !strings.Contains(out, `count="5000"`) {
		t.Errorf("top above ceiling should clamp to 5000: %s", out)
	}
}

func TestRewriteTopWithoutPagingUntouched(t *testing.T) {
	out := mustRewrite(t,
		`<fetch top="10"><entity name="account"/></fetch>`, Options{})
	if !strings.Contains(out, `top="10"`) {
		t.Errorf("top without paging must survive: %s", out)
	}
	if strings.Contains(out, "count=") || strings.Contains(out, "page=") {
		t.Errorf("no paging attributes expected: %s", out)
	}
}

func TestRewriteInvalidTop(t *testing.T) {
	for _, top := range []string{"0", "-3", "abc"} {
		doc, err := Parse(`<fetch top="` + top + `"><entity name="a"/></fetch>`)
		if err != nil {
			t.Fatal(err)
		}
		_, err = Rewrite(doc, Options{PageNumber: 1})
		if dverr.CodeOf(err) != dverr.CodeInvalidValue {
			t.Errorf("top=%s: expected InvalidValue, got %v", top, err)
		}
	}
}

func TestRewriteCookieVerbatim(t *testing.T) {
	cookie := `<cookie page="1"><accountid last="{X}" first="{Y}"/></cookie>`
	out := mustRewrite(t,
		`<fetch><entity name="account"/></fetch>`,
		Options{PageNumber: 2, PagingCookie: cookie})
	doc, err := Parse(out)
	if err != nil {
		t.Fatal(err)
	}
	if got := doc.Root().SelectAttrValue("paging-cookie", ""); got != cookie {
		t.Errorf("cookie mangled:\n got %q\nwant %q", got, cookie)
	}
}

func TestRewriteIncludeCount(t *testing.T) {
	out := mustRewrite(t, `<fetch><entity name="account"/></fetch>`, Options{IncludeCount: true})
	if !strings.Contains(out, `returntotalrecordcount="true"`) {
		t.Errorf("missing returntotalrecordcount: %s", out)
	}
}

// Serialization must be deterministic: same document and options, same bytes,
// with attributes in sorted order.
func TestRewriteStableSerialization(t *testing.T) {
	in := `<fetch version="1.0" distinct="true" mapping="logical"><entity name="account"><attribute name="name"/></entity></fetch>`
	a := mustRewrite(t, in, Options{PageNumber: 3, IncludeCount: true})
	b := mustRewrite(t, in, Options{PageNumber: 3, IncludeCount: true})
	if a != b {
		t.Errorf("serialization not stable:\n%s\n%s", a, b)
	}
	if strings.Index(a, "distinct=") > strings.Index(a, "mapping=") {
		t.Errorf("attributes not sorted: %s", a)
	}
}

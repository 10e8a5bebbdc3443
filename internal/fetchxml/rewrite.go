// Package fetchxml executes FetchXML queries: it rewrites the document for
// paging and counts, extracts column metadata, maps wire records into the
// core Value model, and drives the paging loop through the connection pool.
package fetchxml

import (
	"strconv"

	"github.com/beevik/etree"

	"github.com/dvtools/dvq/internal/dverr"
)

// maxPageSize is the platform's hard page-size ceiling.
const maxPageSize = 5000

// Options control one page execution.
type Options struct {
	// PageNumber selects a page (1-based). 0 means no explicit paging.
	PageNumber int
	// PagingCookie is the opaque cookie from the previous page, passed
	// through verbatim.
	PagingCookie string
	// IncludeCount asks the server for the total record count.
	IncludeCount bool
}

func (o Options) paged() bool {
	return o.PageNumber > 0 || o.PagingCookie != ""
}

// Parse reads a FetchXML document and validates its skeleton: a fetch root
// with an entity child that carries a name.
func Parse(fetchXML string) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(fetchXML); err != nil {
		return nil, dverr.Wrap(dverr.CodeInvalidFetchXml, "malformed fetch document", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "fetch" {
		return nil, dverr.New(dverr.CodeInvalidFetchXml, "document root must be <fetch>")
	}
	entity := root.SelectElement("entity")
	if entity == nil {
		return nil, dverr.New(dverr.CodeInvalidFetchXml, "<fetch> has no <entity> child")
	}
	if entity.SelectAttrValue("name", "") == "" {
		return nil, dverr.New(dverr.CodeInvalidFetchXml, "<entity> has no name")
	}
	return doc, nil
}

// Rewrite applies the paging rewrite rules in order and returns the document
// serialized in stable attribute-sorted form.
//
//  1. top plus paging: drop top, set count = min(top, 5000).
//  2. paging: set page (default 1) and paging-cookie verbatim.
//  3. IncludeCount: set returntotalrecordcount.
func Rewrite(doc *etree.Document, opts Options) (string, error) {
	root := doc.Root()

	if topAttr := root.SelectAttr("top"); topAttr != nil && opts.paged() {
		top, err := strconv.Atoi(topAttr.Value)
		if err != nil || top < 1 {
			return "", dverr.Newf(dverr.CodeInvalidValue, "top=%q is not a positive integer", topAttr.Value)
		}
		root.RemoveAttr("top")
		if top > maxPageSize {
			top = maxPageSize
		}
		root.CreateAttr("count", strconv.Itoa(top))
	}

	if opts.paged() {
		page := opts.PageNumber
		if page < 1 {
			page = 1
		}
		root.CreateAttr("page", strconv.Itoa(page))
		if opts.PagingCookie != "" {
			root.CreateAttr("paging-cookie", opts.PagingCookie)
		}
	}

	if opts.IncludeCount {
		root.CreateAttr("returntotalrecordcount", "true")
	}

	sortAttrs(root)
	doc.WriteSettings = etree.WriteSettings{CanonicalEndTags: true, CanonicalText: true, CanonicalAttrVal: true}
	out, err := doc.WriteToString()
	if err != nil {
		return "", dverr.Wrap(dverr.CodeInvalidFetchXml, "serialize failed", err)
	}
	return out, nil
}

func sortAttrs(el *etree.Element) {
	el.SortAttrs()
	for _, child := range el.ChildElements() {
		sortAttrs(child)
	}
}

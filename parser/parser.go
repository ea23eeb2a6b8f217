// Package parser extracts price records from supplier catalog HTML.
//
// Every function here is pure: it reads one goquery document and returns
// values. Structural surprises degrade a field to its zero value instead of
// failing the whole document.
package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"golang.org/x/net/html"

	"github.com/aluiziolira/go-scrape-prices/models"
)

// Selectors locate the catalog's structural nodes. The site is styled
// rather than semantically marked up, so most of these match on classes
// and inline styles.
type Selectors struct {
	PagerNext     string
	ListingCard   string
	ProductHeader string
	ProductName   string
	Breadcrumbs   string
	PriceLabel    string
	PriceValue    string
}

// DefaultSelectors matches the supplier's current markup.
func DefaultSelectors() Selectors {
	return Selectors{
		PagerNext:     "li.next",
		ListingCard:   `div.row[style*="border: 2px solid #898989"]`,
		ProductHeader: `div[class*="tovar-header"]`,
		ProductName:   `h2[itemprop="name"]`,
		Breadcrumbs:   `div[class*="breadcrumbs-main"] a`,
		PriceLabel:    `div[style="font-size: 26px;"]`,
		PriceValue:    `div[style="font-size: 34px;"]`,
	}
}

// Options configure an Extractor.
type Options struct {
	Selectors         Selectors
	ProductPathPrefix string
	VendorPrefix      string
	CodeLabel         string
}

// Extractor turns documents into page counts, product links and records.
type Extractor struct {
	sel          Selectors
	prefix       string
	vendorPrefix string
	codeLabel    string
	codePattern  *regexp.Regexp
}

// NewExtractor builds an Extractor. Empty selectors fall back to DefaultSelectors.
func NewExtractor(opts Options) *Extractor {
	sel := opts.Selectors
	if sel == (Selectors{}) {
		sel = DefaultSelectors()
	}
	return &Extractor{
		sel:          sel,
		prefix:       opts.ProductPathPrefix,
		vendorPrefix: opts.VendorPrefix,
		codeLabel:    opts.CodeLabel,
		codePattern:  regexp.MustCompile(regexp.QuoteMeta(opts.CodeLabel) + `\s*(\S+)`),
	}
}

// ExtractionError describes one field that could not be read from a document.
type ExtractionError struct {
	Field  string
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %s", e.Field, e.Reason)
}

// ParseDocument parses an HTML body.
func ParseDocument(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// PageCount reads the last page number from the pager: the anchor in the
// item right before "next". Anything unexpected yields 0.
func (e *Extractor) PageCount(doc *goquery.Document) int {
	if doc == nil {
		return 0
	}
	next := doc.Find(e.sel.PagerNext).First()
	if next.Length() == 0 {
		return 0
	}
	anchor := next.PrevAllFiltered("li").First().ChildrenFiltered("a").First()
	if anchor.Length() == 0 {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(anchor.Text()))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ProductLinks returns the product hrefs of every listing card, in document
// order. Cards without a matching anchor are skipped one by one.
func (e *Extractor) ProductLinks(doc *goquery.Document) []string {
	links := []string{}
	if doc == nil {
		return links
	}
	doc.Find(e.sel.ListingCard).Each(func(_ int, card *goquery.Selection) {
		if href, ok := e.cardLink(card); ok {
			links = append(links, href)
		}
	})
	return links
}

func (e *Extractor) cardLink(card *goquery.Selection) (string, bool) {
	var found string
	card.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if e.prefix != "" && strings.HasPrefix(href, e.prefix) {
			found = href
			return false
		}
		return true
	})
	return found, found != ""
}

// Product extracts one record. ok is false when doc is not a product page.
func (e *Extractor) Product(doc *goquery.Document) (models.PriceRecord, bool) {
	rec, _, ok := e.ProductWithIssues(doc)
	return rec, ok
}

// ProductWithIssues is Product plus the list of fields that fell back to
// their zero value.
func (e *Extractor) ProductWithIssues(doc *goquery.Document) (models.PriceRecord, []*ExtractionError, bool) {
	var rec models.PriceRecord
	if doc == nil {
		return rec, nil, false
	}
	header := doc.Find(e.sel.ProductHeader).First()
	if header.Length() == 0 {
		return rec, nil, false
	}

	var issues []*ExtractionError
	note := func(err *ExtractionError) {
		if err != nil {
			issues = append(issues, err)
		}
	}

	var err *ExtractionError
	rec.ProductName, err = e.name(header)
	note(err)
	rec.Code, err = e.code(header)
	note(err)
	rec.Category, rec.Subcategory, err = e.categories(doc)
	note(err)
	rec.Price, err = e.price(doc)
	note(err)

	return rec, issues, true
}

func (e *Extractor) name(header *goquery.Selection) (string, *ExtractionError) {
	node := header.Find(e.sel.ProductName).First()
	if node.Length() == 0 {
		return "", &ExtractionError{Field: "name", Reason: "name element missing"}
	}
	return CleanText(node.Text()), nil
}

func (e *Extractor) code(header *goquery.Selection) (string, *ExtractionError) {
	block := header.Find("div").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.Contains(s.Text(), e.codeLabel)
	}).First()
	if block.Length() == 0 {
		return "", &ExtractionError{Field: "code", Reason: "code label missing"}
	}
	code := ExtractCode(e.codePattern, block.Text())
	if code == "" {
		return "", &ExtractionError{Field: "code", Reason: "code value missing"}
	}
	return code, nil
}

func (e *Extractor) categories(doc *goquery.Document) (string, string, *ExtractionError) {
	crumbs := doc.Find(e.sel.Breadcrumbs)
	var category, subcategory string
	if crumbs.Length() > 1 {
		category = CleanCategory(crumbs.Eq(1).Text(), e.vendorPrefix)
	}
	if crumbs.Length() > 2 {
		subcategory = CleanCategory(crumbs.Eq(2).Text(), e.vendorPrefix)
	}
	if crumbs.Length() < 3 {
		return category, subcategory, &ExtractionError{
			Field:  "category",
			Reason: fmt.Sprintf("breadcrumb has %d entries", crumbs.Length()),
		}
	}
	return category, subcategory, nil
}

func (e *Extractor) price(doc *goquery.Document) (decimal.Decimal, *ExtractionError) {
	label := doc.Find(e.sel.PriceLabel).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.ContainsRune(s.Text(), '\u00a0')
	}).First()
	if label.Length() == 0 {
		return decimal.Zero, &ExtractionError{Field: "price", Reason: "price label missing"}
	}
	value := label.NextAllFiltered(e.sel.PriceValue).First().ChildrenFiltered("span").First()
	if value.Length() == 0 {
		return decimal.Zero, &ExtractionError{Field: "price", Reason: "price value missing"}
	}
	price, ok := ParsePrice(value.Text())
	if !ok {
		return decimal.Zero, &ExtractionError{Field: "price", Reason: fmt.Sprintf("unparsable price %q", value.Text())}
	}
	return price, nil
}

// CleanText collapses runs of whitespace into single spaces and trims.
func CleanText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// CleanCategory decodes entities, drops line breaks and tabs, and strips the
// vendor prefix from a breadcrumb entry.
func CleanCategory(name, vendorPrefix string) string {
	cleaned := html.UnescapeString(name)
	cleaned = strings.NewReplacer("\n", "", "\r", "", "\t", "").Replace(cleaned)
	cleaned = strings.TrimSpace(cleaned)
	if vendorPrefix != "" && strings.HasPrefix(cleaned, vendorPrefix) {
		cleaned = strings.TrimSpace(strings.TrimPrefix(cleaned, vendorPrefix))
	}
	return cleaned
}

// ExtractCode returns the first capture of pattern in text, or "".
func ExtractCode(pattern *regexp.Regexp, text string) string {
	m := pattern.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// ParsePrice keeps digits and the decimal separator and parses the rest.
// Whitespace, including the non-breaking spaces used as thousand
// separators, is removed first. A comma is accepted as decimal separator.
func ParsePrice(text string) (decimal.Decimal, bool) {
	var b strings.Builder
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == ',':
			b.WriteRune('.')
		}
	}
	cleaned := strings.TrimRight(b.String(), ".")
	if cleaned == "" {
		return decimal.Zero, false
	}
	price, err := decimal.NewFromString(cleaned)
	if err != nil || price.IsNegative() {
		return decimal.Zero, false
	}
	return price, true
}

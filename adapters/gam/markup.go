package gam

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
	"golang.org/x/net/html"

	"github.com/admediary/bidgate/adapters"
)

// parsedMarkup is the result of structurally parsing a GAM ad response.
type parsedMarkup struct {
	markup       string
	price        float64
	creativeType adapters.CreativeType
}

// parseMarkup inspects a GAM ad response body and extracts the renderable markup
// plus any embedded price. A nil return means no fill. The three shapes seen in
// the wild are handled with real parsers, not regexes: a JSON envelope, a VAST
// document, and raw HTML.
func parseMarkup(body []byte) *parsedMarkup {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}

	if trimmed[0] == '{' {
		return parseJSONEnvelope(trimmed)
	}
	if isVAST(trimmed) {
		return parseVAST(trimmed)
	}
	return parseHTML(trimmed)
}

// parseJSONEnvelope handles the JSON ad response shape: {"ad": "<markup>",
// "price": 1.23}. An absent or empty ad field is the no-fill sentinel.
func parseJSONEnvelope(body []byte) *parsedMarkup {
	markup, err := jsonparser.GetString(body, "ad")
	if err != nil || strings.TrimSpace(markup) == "" {
		return nil
	}

	result := &parsedMarkup{markup: markup, creativeType: adapters.CreativeHTML}
	if isVAST([]byte(markup)) {
		result.creativeType = adapters.CreativeVAST
	}
	if price, err := jsonparser.GetFloat(body, "price"); err == nil {
		result.price = price
	}
	return result
}

func isVAST(body []byte) bool {
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<vast")
}

// vastDocument is the subset of VAST needed to detect fills and read pricing.
type vastDocument struct {
	Ads []struct {
		InLine *struct {
			Pricing string `xml:"Pricing"`
		} `xml:"InLine"`
		Wrapper *struct {
			Pricing string `xml:"Pricing"`
		} `xml:"Wrapper"`
	} `xml:"Ad"`
}

// parseVAST parses the document with encoding/xml. A VAST response with zero Ad
// elements is the video no-fill sentinel.
func parseVAST(body []byte) *parsedMarkup {
	var doc vastDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil
	}
	if len(doc.Ads) == 0 {
		return nil
	}

	result := &parsedMarkup{markup: string(body), creativeType: adapters.CreativeVAST}
	for _, ad := range doc.Ads {
		var pricing string
		if ad.InLine != nil {
			pricing = ad.InLine.Pricing
		} else if ad.Wrapper != nil {
			pricing = ad.Wrapper.Pricing
		}
		if price, err := strconv.ParseFloat(strings.TrimSpace(pricing), 64); err == nil && price > 0 {
			result.price = price
			break
		}
	}
	return result
}

// parseHTML tokenizes the markup and looks for a data-price attribute on any
// element. An HTML comment marking the response as unfilled yields no bid.
func parseHTML(body []byte) *parsedMarkup {
	result := &parsedMarkup{markup: string(body), creativeType: adapters.CreativeHTML}

	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	sawElement := false
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			if !sawElement {
				return nil
			}
			return result
		case html.CommentToken:
			comment := strings.ToLower(string(tokenizer.Text()))
			if strings.Contains(comment, "no_fill") || strings.Contains(comment, "no ad") {
				return nil
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			sawElement = true
			for {
				key, value, more := tokenizer.TagAttr()
				if string(key) == "data-price" {
					if price, err := strconv.ParseFloat(string(value), 64); err == nil && price > 0 {
						result.price = price
					}
				}
				if !more {
					break
				}
			}
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

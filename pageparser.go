// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Element ids of the portal pages
const (
	idAccountRegNo     = "ASPxFormLayout1_lblIDNumber"
	idAccountName      = "ASPxFormLayout1_lblName"
	idAccountContactNo = "ASPxFormLayout1_lblContactNo"
	idAccountEmail     = "ASPxFormLayout1_lblEmail"
	idMeterTree        = "ASPxPanel1_ASPxTreeView1_CD"

	idMeterAddress         = "ASPxFormLayout1_lblAddress"
	idMeterKampong         = "ASPxFormLayout1_lblKampong"
	idMeterMukim           = "ASPxFormLayout1_lblMukim"
	idMeterDistrict        = "ASPxFormLayout1_lblDistrict"
	idMeterPostcode        = "ASPxFormLayout1_lblPostcode"
	idMeterNo              = "ASPxFormLayout1_lblMeterNo"
	idMeterType            = "ASPxFormLayout1_lblMeterType"
	idMeterCustomerType    = "ASPxFormLayout1_lblCustomerType"
	idMeterRemainingUnit   = "ASPxFormLayout1_lblRemainingUnit"
	idMeterCurrentBalance  = "ASPxFormLayout1_lblCurrentBalance"
	idMeterLastUpdated     = "ASPxFormLayout1_lblLastUpdated"
	idMeterStatus          = "ASPxFormLayout1_lblStatus"
	idReportErrorMessage   = "pcErr_lblErrMsg"
	idReportTable          = "ASPxPageControl1_grid_DXMainTable"
	classReportDataRow     = "dxgvDataRow"
	portalLastUpdateLayout = "02/01/2006 15:04:05"
	portalDateLayout       = "02/01/2006"
)

// noHistoryMessage is shown by the report page even when the table has rows
const noHistoryMessage = "consumption history not found."

// AccountInfo holds the account holder details and the meter tree node ids
type AccountInfo struct {
	RegNo      string   `json:"reg_no"`
	Name       string   `json:"name"`
	ContactNo  string   `json:"contact_no"`
	Email      string   `json:"email"`
	MeterNodes []string `json:"meter_nodes"`
}

// MeterInfo is the metadata shown on a meter's info page
type MeterInfo struct {
	No              string    `json:"no"`
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	CustomerType    string    `json:"customer_type"`
	Status          string    `json:"status"`
	Address         string    `json:"address"`
	Kampong         string    `json:"kampong"`
	Mukim           string    `json:"mukim"`
	District        string    `json:"district"`
	Postcode        string    `json:"postcode"`
	RemainingUnit   float64   `json:"remaining_unit"`
	RemainingCredit float64   `json:"remaining_credit"`
	LastUpdate      time.Time `json:"last_update"`
}

// ReportRow is one row of the usage history grid
type ReportRow struct {
	Period string
	Value  float64
}

// ReportPage is the parsed usage history page
type ReportPage struct {
	Rows         []ReportRow
	ErrorMessage string
}

// PageParser turns portal pages into typed values
type PageParser interface {
	ParseAccountInfo(body []byte) (AccountInfo, error)
	ParseMeterInfo(body []byte) (MeterInfo, error)
	ParseReport(body []byte) (ReportPage, error)
}

// HTMLPageParser implements PageParser on golang.org/x/net/html
type HTMLPageParser struct{}

// NewHTMLPageParser creates the default page parser
func NewHTMLPageParser() *HTMLPageParser {
	return &HTMLPageParser{}
}

func (p *HTMLPageParser) ParseAccountInfo(body []byte) (AccountInfo, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return AccountInfo{}, &PageParseError{Page: "account info", Err: err}
	}

	var info AccountInfo
	fields := []struct {
		id  string
		dst *string
	}{
		{idAccountRegNo, &info.RegNo},
		{idAccountName, &info.Name},
		{idAccountContactNo, &info.ContactNo},
		{idAccountEmail, &info.Email},
	}
	for _, f := range fields {
		n := findByID(doc, f.id)
		if n == nil {
			return AccountInfo{}, &PageParseError{Page: "account info", Field: f.id, Err: errors.New("element not found")}
		}
		*f.dst = strings.TrimSpace(textContent(n))
	}

	tree := findByID(doc, idMeterTree)
	if tree == nil {
		return AccountInfo{}, &PageParseError{Page: "account info", Field: idMeterTree, Err: errors.New("element not found")}
	}
	// Region > area > meter, three levels of ul/li
	for x, lvl1 := range listItems(tree) {
		for y, lvl2 := range listItems(lvl1) {
			for z := range listItems(lvl2) {
				info.MeterNodes = append(info.MeterNodes, fmt.Sprintf("N%d_%d_%d", x, y, z))
			}
		}
	}

	return info, nil
}

func (p *HTMLPageParser) ParseMeterInfo(body []byte) (MeterInfo, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return MeterInfo{}, &PageParseError{Page: "meter info", Err: err}
	}

	text := func(id string) (string, error) {
		n := findByID(doc, id)
		if n == nil {
			return "", &PageParseError{Page: "meter info", Field: id, Err: errors.New("element not found")}
		}
		return strings.TrimSpace(textContent(n)), nil
	}

	var info MeterInfo
	strFields := []struct {
		id  string
		dst *string
	}{
		{idMeterAddress, &info.Address},
		{idMeterKampong, &info.Kampong},
		{idMeterMukim, &info.Mukim},
		{idMeterDistrict, &info.District},
		{idMeterPostcode, &info.Postcode},
		{idMeterNo, &info.No},
		{idMeterType, &info.Type},
		{idMeterCustomerType, &info.CustomerType},
		{idMeterStatus, &info.Status},
	}
	for _, f := range strFields {
		v, err := text(f.id)
		if err != nil {
			return MeterInfo{}, err
		}
		*f.dst = v
	}
	if info.No == "" {
		return MeterInfo{}, &PageParseError{Page: "meter info", Field: idMeterNo, Err: errors.New("empty meter number")}
	}
	info.ID = MeterIDFromNo(info.No)

	// "1,234.50 kWh"
	raw, err := text(idMeterRemainingUnit)
	if err != nil {
		return MeterInfo{}, err
	}
	info.RemainingUnit, err = parsePortalNumber(firstField(raw))
	if err != nil {
		return MeterInfo{}, &PageParseError{Page: "meter info", Field: idMeterRemainingUnit, Err: err}
	}

	// "BND$1,234.50"
	raw, err = text(idMeterCurrentBalance)
	if err != nil {
		return MeterInfo{}, err
	}
	if i := strings.LastIndex(raw, "$"); i >= 0 {
		raw = raw[i+1:]
	}
	info.RemainingCredit, err = parsePortalNumber(raw)
	if err != nil {
		return MeterInfo{}, &PageParseError{Page: "meter info", Field: idMeterCurrentBalance, Err: err}
	}

	raw, err = text(idMeterLastUpdated)
	if err != nil {
		return MeterInfo{}, err
	}
	info.LastUpdate, err = time.ParseInLocation(portalLastUpdateLayout, strings.Join(strings.Fields(raw), " "), PortalLocation)
	if err != nil {
		return MeterInfo{}, &PageParseError{Page: "meter info", Field: idMeterLastUpdated, Err: err}
	}

	return info, nil
}

// ParseReport reads the usage grid. A missing table is not an error, it means no data.
func (p *HTMLPageParser) ParseReport(body []byte) (ReportPage, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ReportPage{}, &PageParseError{Page: "usage history", Err: err}
	}

	var page ReportPage
	if n := findByID(doc, idReportErrorMessage); n != nil {
		page.ErrorMessage = strings.TrimSpace(textContent(n))
	}

	table := findByID(doc, idReportTable)
	if table == nil {
		return page, nil
	}

	var parseErr error
	walk(table, func(n *html.Node) bool {
		if parseErr != nil {
			return false
		}
		if n.Type != html.ElementNode || n.Data != "tr" || !hasClass(n, classReportDataRow) {
			return true
		}
		cells := childElements(n, "td")
		if len(cells) < 2 {
			parseErr = &PageParseError{Page: "usage history", Field: "row", Err: fmt.Errorf("expected 2 cells, got %d", len(cells))}
			return false
		}
		value, err := parsePortalNumber(strings.TrimSpace(textContent(cells[1])))
		if err != nil {
			parseErr = &PageParseError{Page: "usage history", Field: "value", Err: err}
			return false
		}
		page.Rows = append(page.Rows, ReportRow{
			Period: strings.TrimSpace(textContent(cells[0])),
			Value:  value,
		})
		return false
	})
	if parseErr != nil {
		return ReportPage{}, parseErr
	}

	return page, nil
}

// HasUnexpectedError reports an error message other than the portal's unreliable "no history" text
func (r ReportPage) HasUnexpectedError() bool {
	return r.ErrorMessage != "" && !strings.EqualFold(r.ErrorMessage, noHistoryMessage)
}

// MeterIDFromNo derives the report id the portal uses in UsageHistory?p=
func MeterIDFromNo(no string) string {
	return base64.StdEncoding.EncodeToString([]byte(no))
}

func parsePortalNumber(s string) (float64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, errors.New("empty number")
	}
	return strconv.ParseFloat(s, 64)
}

func firstField(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return f[0]
	}
	return ""
}

// walk visits n and its descendants depth first. Returning false skips the children.
func walk(n *html.Node, visit func(*html.Node) bool) {
	if !visit(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

func findByID(root *html.Node, id string) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode && attr(n, "id") == id {
			found = n
			return false
		}
		return true
	})
	return found
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
		return true
	})
	return sb.String()
}

func childElements(n *html.Node, tag string) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == tag {
			out = append(out, c)
		}
	}
	return out
}

// listItems returns the li children of n's direct ul children
func listItems(n *html.Node) []*html.Node {
	var out []*html.Node
	for _, ul := range childElements(n, "ul") {
		out = append(out, childElements(ul, "li")...)
	}
	return out
}

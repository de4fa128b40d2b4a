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
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testUsername  = "00-123456"
	testPassword  = "secret"
	testSignature = "c2lnbmF0dXJl"
	testSessionID = "abcdef123456"

	testElectricMeter = "12345678"
	testWaterMeter    = "87654321"
)

// testNow is the clock every fake-portal test runs at
var testNow = time.Date(2025, 3, 15, 12, 0, 0, 0, PortalLocation)

type fakeMeter struct {
	no         string
	meterType  string
	status     string
	remaining  string
	balance    string
	lastUpdate string
	// days from earliest through today have data
	earliest time.Time
	// hourly value reported for every hour of a day with data
	hourlyValue float64
}

// fakePortal is an httptest server speaking enough of the portal's login, redirect and
// postback protocol to drive Session, Account and Meter end to end
type fakePortal struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	meters        []*fakeMeter
	loggedIn      bool
	alwaysExpired bool
	reportStatus  int
	reportError   string
	counts        map[string]int
	requests      []string
	reportForms   []map[string][]string
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()

	p := &fakePortal{
		t:      t,
		counts: make(map[string]int),
		meters: []*fakeMeter{
			{
				no:          testElectricMeter,
				meterType:   "ELECTRIC",
				status:      "ACTIVE",
				remaining:   "1,234.50 kWh",
				balance:     "BND$123.45",
				lastUpdate:  "15/03/2025 11:00:00",
				earliest:    testNow.AddDate(0, 0, -9),
				hourlyValue: 0.5,
			},
			{
				no:          testWaterMeter,
				meterType:   "WATER",
				status:      "ACTIVE",
				remaining:   "12.30 meter cube",
				balance:     "BND$8.00",
				lastUpdate:  "15/03/2025 10:00:00",
				earliest:    testNow.AddDate(0, 0, -9),
				hourlyValue: 0.1,
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ResLogin", p.handleLogin)
	mux.HandleFunc("/Home", p.handleHome)
	mux.HandleFunc("/LoginSession.aspx", p.handleLoginSession)
	mux.HandleFunc("/AccountInfo", p.protected(p.handleAccountInfo))
	mux.HandleFunc("/Report/UsageHistory", p.protected(p.handleUsageHistory))

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakePortal) baseURL() string {
	return p.server.URL + "/"
}

func (p *fakePortal) count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[key]
}

func (p *fakePortal) hit(r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[r.Method+" "+r.URL.Path]++
	p.requests = append(p.requests, r.Method+" "+r.URL.Path+"?p="+r.URL.Query().Get("p"))
}

// requestLog returns every request seen so far, in arrival order, filtered by path
func (p *fakePortal) requestLog(path string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, r := range p.requests {
		if strings.Contains(r, " "+path+"?") {
			out = append(out, r)
		}
	}
	return out
}

func (p *fakePortal) setMeterEarliest(no string, earliest time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.meters {
		if m.no == no {
			m.earliest = earliest
		}
	}
}

func (p *fakePortal) expireSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loggedIn = false
}

func (p *fakePortal) hasSession(r *http.Request) bool {
	c, err := r.Cookie(SessionCookieName)
	return err == nil && c.Value == testSessionID
}

func writeHiddenPage(w http.ResponseWriter, viewState, body string) {
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, `<html><body><form method="post">
<input type="hidden" name="__VIEWSTATE" value="%s">
<input type="hidden" name="__EVENTVALIDATION" value="ev-%s">
<input type="hidden" name="__EMPTY" value="">
%s
</form></body></html>`, viewState, viewState, body)
}

func (p *fakePortal) handleLogin(w http.ResponseWriter, r *http.Request) {
	p.hit(r)
	if r.Method == http.MethodGet {
		writeHiddenPage(w, "login", `<input name="ASPxRoundPanel1$txtUsername">`)
		return
	}

	require.NoError(p.t, r.ParseForm())
	if r.PostForm.Get("__VIEWSTATE") == "" ||
		r.PostForm.Get(FieldLoginUsername) != testUsername ||
		r.PostForm.Get(FieldLoginPassword) != testPassword {
		writeHiddenPage(w, "login", `<span>Invalid login</span>`)
		return
	}

	http.SetCookie(w, &http.Cookie{Name: SessionCookieName, Value: testSessionID, Path: "/"})
	w.Header().Set("Location", "/Home?Sig="+testSignature)
	w.WriteHeader(http.StatusFound)
}

func (p *fakePortal) handleHome(w http.ResponseWriter, r *http.Request) {
	p.hit(r)
	writeHiddenPage(w, "home", "<h1>Welcome</h1>")
}

func (p *fakePortal) handleLoginSession(w http.ResponseWriter, r *http.Request) {
	p.hit(r)
	q := r.URL.Query()
	if !p.hasSession(r) || q.Get("pLoginName") != testUsername || q.Get("Sig") != testSignature {
		p.writeExpiredRedirect(w)
		return
	}
	p.mu.Lock()
	p.loggedIn = true
	p.mu.Unlock()
	writeHiddenPage(w, "session", "<h1>Home</h1>")
}

func (p *fakePortal) writeExpiredRedirect(w http.ResponseWriter) {
	w.Header().Set("Location", "/ResLogin")
	w.WriteHeader(http.StatusFound)
	fmt.Fprint(w, `<html><body><a href="/ResLogin?SessionExpire=1">Object moved</a></body></html>`)
}

func (p *fakePortal) protected(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.hit(r)

		p.mu.Lock()
		loggedIn, alwaysExpired := p.loggedIn, p.alwaysExpired
		p.mu.Unlock()

		if alwaysExpired {
			fmt.Fprintf(w, "<html><body>%s</body></html>", MarkerSessionExpiredPage)
			return
		}
		if !loggedIn || !p.hasSession(r) {
			p.writeExpiredRedirect(w)
			return
		}
		next(w, r)
	}
}

func (p *fakePortal) handleAccountInfo(w http.ResponseWriter, r *http.Request) {
	require.NoError(p.t, r.ParseForm())

	if r.Method == http.MethodPost && strings.HasPrefix(r.PostForm.Get("__EVENTARGUMENT"), "NCLK|") {
		node := strings.TrimPrefix(r.PostForm.Get("__EVENTARGUMENT"), "NCLK|")
		var x, y, z int
		if _, err := fmt.Sscanf(node, "N%d_%d_%d", &x, &y, &z); err != nil || z >= len(p.meters) {
			http.Error(w, "bad node", http.StatusBadRequest)
			return
		}
		writeHiddenPage(w, "meter", meterInfoHTML(p.meters[z]))
		return
	}

	var items strings.Builder
	for _, m := range p.meters {
		fmt.Fprintf(&items, `<li><a>%s</a></li>`, m.no)
	}
	writeHiddenPage(w, "account", fmt.Sprintf(`
<span id="ASPxFormLayout1_lblIDNumber">01-234567</span>
<span id="ASPxFormLayout1_lblName">AWANG BIN ABU</span>
<span id="ASPxFormLayout1_lblContactNo">7123456</span>
<span id="ASPxFormLayout1_lblEmail">awang@example.com</span>
<div id="ASPxPanel1_ASPxTreeView1_CD"><ul><li><a>BRUNEI MUARA</a><ul><li><a>Gadong</a><ul>%s</ul></li></ul></li></ul></div>`,
		items.String()))
}

func meterInfoHTML(m *fakeMeter) string {
	return fmt.Sprintf(`
<span id="ASPxFormLayout1_lblAddress">No. 1 Simpang 2</span>
<span id="ASPxFormLayout1_lblKampong">Kiulap</span>
<span id="ASPxFormLayout1_lblMukim">Gadong B</span>
<span id="ASPxFormLayout1_lblDistrict">Brunei Muara</span>
<span id="ASPxFormLayout1_lblPostcode">BE1518</span>
<span id="ASPxFormLayout1_lblMeterNo">%s</span>
<span id="ASPxFormLayout1_lblMeterType">%s</span>
<span id="ASPxFormLayout1_lblCustomerType">RESIDENTIAL</span>
<span id="ASPxFormLayout1_lblRemainingUnit">%s</span>
<span id="ASPxFormLayout1_lblCurrentBalance">%s</span>
<span id="ASPxFormLayout1_lblLastUpdated">%s</span>
<span id="ASPxFormLayout1_lblStatus">%s</span>`,
		m.no, m.meterType, m.remaining, m.balance, m.lastUpdate, m.status)
}

func (p *fakePortal) meterByID(id string) *fakeMeter {
	raw, err := base64.StdEncoding.DecodeString(id)
	if err != nil {
		return nil
	}
	for _, m := range p.meters {
		if m.no == string(raw) {
			return m
		}
	}
	return nil
}

func (p *fakePortal) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	require.NoError(p.t, r.ParseForm())

	p.mu.Lock()
	meter := p.meterByID(r.URL.Query().Get("p"))
	status, errText := p.reportStatus, p.reportError
	if r.Method == http.MethodPost {
		p.reportForms = append(p.reportForms, r.PostForm)
	}
	p.mu.Unlock()

	if meter == nil {
		http.Error(w, "unknown meter", http.StatusNotFound)
		return
	}
	if status != 0 {
		http.Error(w, "report failure", status)
		return
	}
	if r.Method == http.MethodGet || r.PostForm.Get("cboType_VI") == "" {
		writeHiddenPage(w, "report", `<select name="cboType"></select>`)
		return
	}

	from, err := time.ParseInLocation(portalDateLayout, r.PostForm.Get("cboDateFrom"), PortalLocation)
	require.NoError(p.t, err)
	to, err := time.ParseInLocation(portalDateLayout, r.PostForm.Get("cboDateTo"), PortalLocation)
	require.NoError(p.t, err)

	today := startOfDay(testNow)
	earliest := startOfDay(meter.earliest)
	hasData := func(day time.Time) bool {
		return !day.Before(earliest) && !day.After(today)
	}

	var rows strings.Builder
	switch r.PostForm.Get("cboType_VI") {
	case reportTypeHourly:
		if hasData(from) {
			for h := 0; h < 24; h++ {
				fmt.Fprintf(&rows, `<tr class="dxgvDataRow"><td>%d</td><td>%.2f</td></tr>`, h, meter.hourlyValue)
			}
		}
	case reportTypeDaily:
		for day := startOfDay(from); !day.After(to); day = day.AddDate(0, 0, 1) {
			if hasData(day) {
				fmt.Fprintf(&rows, `<tr class="dxgvDataRow"><td>%s</td><td>%.2f</td></tr>`,
					day.Format(portalDateLayout), meter.hourlyValue*24)
			}
		}
	}

	errSpan := ""
	if errText != "" {
		errSpan = fmt.Sprintf(`<span id="pcErr_lblErrMsg">%s</span>`, errText)
	}
	if rows.Len() == 0 {
		writeHiddenPage(w, "report", errSpan+`<span id="pcErr_lblErrMsg">consumption history not found.</span>`)
		return
	}
	writeHiddenPage(w, "report", errSpan+fmt.Sprintf(
		`<table id="ASPxPageControl1_grid_DXMainTable"><tr class="dxgvHeader"><td>Period</td><td>Consumption</td></tr>%s</table>`,
		rows.String()))
}

// newTestAccount logs into p and returns the account, clocked at testNow
func newTestAccount(t *testing.T, p *fakePortal) *Account {
	t.Helper()
	account, err := NewAccount(context.Background(), Credentials{Username: testUsername, Password: testPassword}, AccountOptions{
		BaseURL: p.baseURL(),
		Logger:  NewDiscardLogger(),
		Now:     func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return account
}

func newTestMeter(t *testing.T, p *fakePortal, no string) *Meter {
	t.Helper()
	m, err := newTestAccount(t, p).Meter(no)
	require.NoError(t, err)
	return m
}

package macro_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/postrelay/internal/macro"
	"github.com/shohag/postrelay/internal/models"
)

var fixedGuard = macro.Guard{Timestamp: 1700000000, Nonce: "n0nce"}

func saleEvent() models.Event {
	return models.Event{
		ID:      "evt_1",
		Type:    "sale",
		ClickID: "abc123",
		Macros:  map[string]string{"status": "sale"},
	}
}

func TestResolve_ExampleScenario(t *testing.T) {
	tpl := &models.Template{
		URL:    "https://t.example/pb?cid={clickid}&st={status}",
		Method: http.MethodGet,
	}

	req, err := macro.Resolve(tpl, saleEvent(), fixedGuard)
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "https://t.example/pb?cid=abc123&st=sale&_t=1700000000&_n=n0nce", req.URL)
	assert.Nil(t, req.Body)
	assert.Equal(t, "sale", req.Headers[macro.HeaderEvent])
	assert.Equal(t, "evt_1", req.Headers[macro.HeaderEventID])
	assert.NotEmpty(t, req.Headers["User-Agent"])
}

func TestResolve_Deterministic(t *testing.T) {
	tpl := &models.Template{URL: "https://t.example/pb?cid={clickid}&p=[payout]", Method: "POST"}
	evt := saleEvent()
	evt.Amount = "12.50"

	a, err := macro.Resolve(tpl, evt, fixedGuard)
	require.NoError(t, err)
	b, err := macro.Resolve(tpl, evt, fixedGuard)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestResolve_EncodesReservedCharacters(t *testing.T) {
	tpl := &models.Template{URL: "https://t.example/pb?sub={sub1}", Method: "GET"}
	evt := models.Event{ID: "e", Type: "lead", Macros: map[string]string{"sub1": "a b&c?d=e/f"}}

	req, err := macro.Resolve(tpl, evt, fixedGuard)
	require.NoError(t, err)

	assert.Contains(t, req.URL, "sub=a%20b%26c%3Fd%3De%2Ff&")
	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	assert.Equal(t, "a b&c?d=e/f", u.Query().Get("sub"))
}

func TestResolve_MissingMacroIsEmpty(t *testing.T) {
	tpl := &models.Template{URL: "https://t.example/pb?a={nope}&b=[missing]", Method: "GET"}

	req, err := macro.Resolve(tpl, saleEvent(), fixedGuard)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(req.URL, "https://t.example/pb?a=&b=&_t="), req.URL)
	assert.NotContains(t, req.URL, "{nope}")
	assert.NotContains(t, req.URL, "[missing]")
}

func TestResolve_NoRecursiveExpansion(t *testing.T) {
	tpl := &models.Template{URL: "https://t.example/pb?a={sub1}&b={sub2}", Method: "GET"}
	evt := models.Event{ID: "e", Type: "click", Macros: map[string]string{
		"sub1": "{sub2}",
		"sub2": "x",
	}}

	req, err := macro.Resolve(tpl, evt, fixedGuard)
	require.NoError(t, err)

	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	assert.Equal(t, "{sub2}", u.Query().Get("a"))
	assert.Equal(t, "x", u.Query().Get("b"))
}

func TestResolve_PostBodyIsUnencodedMacros(t *testing.T) {
	tpl := &models.Template{URL: "https://t.example/pb", Method: "post"}
	evt := models.Event{ID: "e", Type: "deposit", ClickID: "x", Macros: map[string]string{"note": "a b&c"}}

	req, err := macro.Resolve(tpl, evt, fixedGuard)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "application/json", req.Headers["Content-Type"])

	var body map[string]string
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, "a b&c", body["note"])
	assert.Equal(t, "x", body["clickid"])
	assert.Equal(t, "https://t.example/pb?_t=1700000000&_n=n0nce", req.URL)
}

func TestResolve_Errors(t *testing.T) {
	tests := []struct {
		name string
		tpl  models.Template
	}{
		{name: "empty url", tpl: models.Template{URL: " "}},
		{name: "bad method", tpl: models.Template{URL: "https://t.example", Method: "DELETE"}},
		{name: "relative url", tpl: models.Template{URL: "/pb?x={clickid}"}},
		{name: "bad scheme", tpl: models.Template{URL: "ftp://t.example/pb"}},
		{name: "host from macro missing", tpl: models.Template{URL: "https://{host}/pb"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := macro.Resolve(&tt.tpl, saleEvent(), fixedGuard)
			require.Error(t, err)
			assert.True(t, errors.Is(err, macro.ErrResolution))
		})
	}
}

func TestSubstitute_LiteralBrackets(t *testing.T) {
	got := macro.Substitute("http://[::1]:8080/pb?x={clickid}&y={}&z={a b}", map[string]string{"clickid": "c"})
	assert.Equal(t, "http://[::1]:8080/pb?x=c&y={}&z={a b}", got)
}

func TestNewGuard(t *testing.T) {
	now := time.Unix(1700000123, 0)
	a := macro.NewGuard(now)
	b := macro.NewGuard(now)

	assert.Equal(t, int64(1700000123), a.Timestamp)
	assert.NotEmpty(t, a.Nonce)
	assert.NotEqual(t, a.Nonce, b.Nonce)
}

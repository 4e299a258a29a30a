package hidservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type authority struct {
	mu sync.Mutex

	signIns    int
	fetches    int
	marks      int
	tokens     []string
	reject     int // number of upcoming authorized calls answered with 401
	signInCode int
	blockBody  string
	lastQuery  string
	lastHeader http.Header
	lastForm   map[string]string
	markBody   map[string]string

	srv *httptest.Server
}

func newAuthority(t *testing.T) *authority {
	t.Helper()
	a := &authority{tokens: []string{"tok-1", "tok-2", "tok-3"}, blockBody: `{"total":2,"hids":["h1","h2"]}`}

	e := echo.New()
	e.POST("/signin", func(c echo.Context) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.lastHeader = c.Request().Header.Clone()
		a.lastForm = map[string]string{"email": c.FormValue("email"), "password": c.FormValue("password")}
		if a.signInCode != 0 {
			return c.NoContent(a.signInCode)
		}
		tok := a.tokens[a.signIns%len(a.tokens)]
		a.signIns++
		return c.JSON(http.StatusOK, map[string]string{"access_token": tok})
	})
	e.GET("/healthIds/nextBlock/:org", func(c echo.Context) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.fetches++
		a.lastHeader = c.Request().Header.Clone()
		a.lastQuery = c.Request().URL.RawQuery
		if a.reject > 0 {
			a.reject--
			return c.NoContent(http.StatusUnauthorized)
		}
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, []byte(a.blockBody))
	})
	e.PUT("/healthIds/markUsed/:hid", func(c echo.Context) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.marks++
		a.lastHeader = c.Request().Header.Clone()
		if a.reject > 0 {
			a.reject--
			return c.NoContent(http.StatusUnauthorized)
		}
		body := map[string]string{}
		if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
			return err
		}
		body["hid"] = c.Param("hid")
		a.markBody = body
		return c.NoContent(http.StatusAccepted)
	})

	a.srv = httptest.NewServer(e)
	t.Cleanup(a.srv.Close)
	return a
}

type authorityView struct {
	signIns    int
	fetches    int
	marks      int
	lastQuery  string
	lastHeader http.Header
	lastForm   map[string]string
	markBody   map[string]string
}

// view copies the recorded state under the lock.
func (a *authority) view() authorityView {
	a.mu.Lock()
	defer a.mu.Unlock()
	return authorityView{
		signIns:    a.signIns,
		fetches:    a.fetches,
		marks:      a.marks,
		lastQuery:  a.lastQuery,
		lastHeader: a.lastHeader,
		lastForm:   a.lastForm,
		markBody:   a.markBody,
	}
}

func (a *authority) config() Config {
	return Config{
		IdentityBaseURL:   a.srv.URL + "/",
		ClientID:          "mci-client",
		AuthToken:         "idp-secret",
		ClientEmail:       "mci@example.org",
		ClientPassword:    "pw",
		HIDServiceBaseURL: a.srv.URL,
		OrgCode:           "MCI",
		BlockSize:         2,
		Timeout:           2 * time.Second,
	}
}

func TestSignIn_SendsCredentialsAndCachesToken(t *testing.T) {
	a := newAuthority(t)
	c := New(a.config())

	tok, err := c.SignIn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, "mci-client", a.view().lastHeader.Get(ClientIDHeader))
	assert.Equal(t, "idp-secret", a.view().lastHeader.Get(AuthTokenHeader))
	assert.Equal(t, map[string]string{"email": "mci@example.org", "password": "pw"}, a.view().lastForm)

	tok, err = c.SignIn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, 1, a.view().signIns)

	c.ClearToken()
	tok, err = c.SignIn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestSignIn_Rejected(t *testing.T) {
	a := newAuthority(t)
	a.signInCode = http.StatusUnauthorized

	_, err := New(a.config()).SignIn(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
}

func TestSignIn_ServerError(t *testing.T) {
	a := newAuthority(t)
	a.signInCode = http.StatusBadGateway

	_, err := New(a.config()).SignIn(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFetchNextBlock(t *testing.T) {
	a := newAuthority(t)
	c := New(a.config())

	block, err := c.FetchNextBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, block.Total)
	assert.Equal(t, []string{"h1", "h2"}, block.HIDs)
	assert.Equal(t, "blockSize=2", a.view().lastQuery)
	assert.Equal(t, "tok-1", a.view().lastHeader.Get(AuthTokenHeader))
	assert.Equal(t, "mci-client", a.view().lastHeader.Get(ClientIDHeader))
	assert.Equal(t, "mci@example.org", a.view().lastHeader.Get(FromHeader))
}

func TestFetchNextBlock_TotalAsString(t *testing.T) {
	a := newAuthority(t)
	a.blockBody = `{"total":"3","hids":["x","y","z"]}`

	block, err := New(a.config()).FetchNextBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, block.Total)
}

func TestFetchNextBlock_MissingTotal(t *testing.T) {
	a := newAuthority(t)
	a.blockBody = `{"hids":["x"]}`

	block, err := New(a.config()).FetchNextBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, block.Total)
}

func TestFetchNextBlock_TotalMismatch(t *testing.T) {
	a := newAuthority(t)
	a.blockBody = `{"total":3,"hids":["x","y"]}`

	_, err := New(a.config()).FetchNextBlock(context.Background())
	assert.ErrorIs(t, err, ErrUnexpectedResponse)

	a.blockBody = `{"total":"0","hids":[]}`
	block, err := New(a.config()).FetchNextBlock(context.Background())
	require.NoError(t, err)
	assert.Zero(t, block.Total)
	assert.Empty(t, block.HIDs)
}

func TestFetchNextBlock_MalformedBody(t *testing.T) {
	a := newAuthority(t)
	a.blockBody = `{"total":"many","hids":[]}`

	_, err := New(a.config()).FetchNextBlock(context.Background())
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestFetchNextBlock_RetriesOnceAfter401(t *testing.T) {
	a := newAuthority(t)
	a.reject = 1
	c := New(a.config())

	block, err := c.FetchNextBlock(context.Background())
	require.NoError(t, err)
	assert.Len(t, block.HIDs, 2)
	assert.Equal(t, 2, a.view().signIns)
	assert.Equal(t, 2, a.view().fetches)
	assert.Equal(t, "tok-2", a.view().lastHeader.Get(AuthTokenHeader))
}

func TestFetchNextBlock_StillUnauthorized(t *testing.T) {
	a := newAuthority(t)
	a.reject = 5

	_, err := New(a.config()).FetchNextBlock(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, 2, a.view().fetches)
}

func TestFetchNextBlock_Unreachable(t *testing.T) {
	a := newAuthority(t)
	cfg := a.config()
	a.srv.Close()

	_, err := New(cfg).FetchNextBlock(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFetchNextBlock_Timeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	c := New(Config{IdentityBaseURL: slow.URL, HIDServiceBaseURL: slow.URL, Timeout: 50 * time.Millisecond})
	_, err := c.FetchNextBlock(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMarkUsed(t *testing.T) {
	a := newAuthority(t)
	c := New(a.config())
	usedAt := time.Date(2025, 1, 2, 3, 4, 5, 600, time.FixedZone("x", 3600))

	require.NoError(t, c.MarkUsed(context.Background(), "98000000008", usedAt))
	assert.Equal(t, map[string]string{"hid": "98000000008", "used_at": "2025-01-02T02:04:05.0000006Z"}, a.view().markBody)
	assert.Equal(t, echo.MIMEApplicationJSON, a.view().lastHeader.Get(echo.HeaderContentType))
}

func TestMarkUsed_RetriesOnceAfter401(t *testing.T) {
	a := newAuthority(t)
	a.reject = 1

	require.NoError(t, New(a.config()).MarkUsed(context.Background(), "98000000008", time.Now()))
	assert.Equal(t, 2, a.view().marks)
	assert.Equal(t, 2, a.view().signIns)
}

func TestSignIn_RefreshesExpiredJWT(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sign := func(exp time.Time) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		}).SignedString([]byte("idp-key"))
		require.NoError(t, err)
		return tok
	}

	a := newAuthority(t)
	a.tokens = []string{sign(now.Add(10 * time.Minute)), sign(now.Add(time.Hour))}

	clock := now
	c := New(a.config(), WithClock(func() time.Time { return clock }))

	first, err := c.SignIn(context.Background())
	require.NoError(t, err)

	clock = now.Add(5 * time.Minute)
	again, err := c.SignIn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, a.view().signIns)

	// Inside the expiry skew the token is treated as expired.
	clock = now.Add(10*time.Minute - 10*time.Second)
	fresh, err := c.SignIn(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, fresh)
	assert.Equal(t, 2, a.view().signIns)
}

func TestTokenExpiry_Opaque(t *testing.T) {
	assert.True(t, tokenExpiry("opaque").IsZero())
	assert.True(t, tokenExpiry("a.b.c").IsZero())
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://h/signin", joinURL("http://h/", "/signin"))
	assert.Equal(t, "http://h/signin", joinURL("http://h", "signin"))
}

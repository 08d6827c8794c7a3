package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/ledger"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/session"
	"github.com/wellmoagro2-afk/landspace-sub000/services/portal/internal/store"
)

// seedFile writes content under the files dir and registers it.
func (hs *harness) seedFile(projectID string, kind ledger.FileKind, name, content string) ledger.File {
	key := projectID + "/" + strings.ToLower(string(kind)) + ".pdf"
	full := filepath.Join(hs.filesDir, filepath.FromSlash(key))
	require.NoError(hs.t, os.MkdirAll(filepath.Dir(full), 0o750))
	require.NoError(hs.t, os.WriteFile(full, []byte(content), 0o640))
	f, err := hs.store.AddFile(context.Background(), ledger.File{ProjectID: projectID, Kind: kind, Name: name, StorageKey: key, SizeBytes: int64(len(content))})
	require.NoError(hs.t, err)
	return f
}

func (hs *harness) confirmPayment(projectID, amount string) {
	_, _, err := hs.store.CreatePayment(context.Background(), projectID, store.NewPayment{
		Method: "PIX",
		Amount: money(hs.t, amount),
		Status: ledger.PaymentConfirmed,
	}, nil)
	require.NoError(hs.t, err)
}

func TestPortalLogin(t *testing.T) {
	hs := newHarness(t)
	p := hs.seedProject("1000", "300")

	rec := hs.do(http.MethodPost, "/api/portal/login", map[string]string{"protocol": " " + strings.ToLower(p.Protocol) + " ", "pin": "482913"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, p.Protocol, decode(t, rec)["protocol"])

	var sess *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.PortalCookieName {
			sess = c
		}
	}
	require.NotNil(t, sess)

	rec = hs.do(http.MethodGet, "/api/portal/project", nil, sess)
	require.Equal(t, http.StatusOK, rec.Code)
	project := decode(t, rec)["project"].(map[string]any)
	assert.Equal(t, p.ID, project["id"])
	assert.Contains(t, project, "summary")
}

func TestPortalLoginFailuresLookAlike(t *testing.T) {
	hs := newHarness(t)
	p := hs.seedProject("1000", "300")

	wrongPIN := hs.do(http.MethodPost, "/api/portal/login", map[string]string{"protocol": p.Protocol, "pin": "000000"})
	unknown := hs.do(http.MethodPost, "/api/portal/login", map[string]string{"protocol": "LS-1999-000001", "pin": "482913"})
	malformed := hs.do(http.MethodPost, "/api/portal/login", map[string]string{"protocol": "nonsense", "pin": "482913"})

	for _, rec := range []int{wrongPIN.Code, unknown.Code, malformed.Code} {
		assert.Equal(t, http.StatusUnauthorized, rec)
	}
	assert.JSONEq(t, errorBody(wrongPIN), errorBody(unknown))
	assert.JSONEq(t, errorBody(wrongPIN), errorBody(malformed))
}

// errorBody strips the per-request id so envelopes can be compared.
func errorBody(rec *httptest.ResponseRecorder) string {
	body := rec.Body.String()
	if i := strings.Index(body, `,"requestId"`); i >= 0 {
		body = body[:i] + "}"
	}
	return body
}

func TestPortalRoutesRequirePortalSession(t *testing.T) {
	hs := newHarness(t)
	rec := hs.do(http.MethodGet, "/api/portal/project", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = hs.do(http.MethodGet, "/api/portal/project", nil, hs.adminCookie())
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPortalPreviewGate(t *testing.T) {
	hs := newHarness(t)
	p := hs.seedProject("1000", "300")
	f := hs.seedFile(p.ID, ledger.FilePreview, "previa.pdf", "preview-bytes")
	sess := hs.portalCookie(p.Protocol, p.ID)
	url := "/api/portal/files/" + f.ID + "/download"

	rec := hs.do(http.MethodGet, url, nil, sess)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "DOWNLOAD_LOCKED", errorCode(t, rec))

	hs.confirmPayment(p.ID, "299.99")
	rec = hs.do(http.MethodGet, url, nil, sess)
	require.Equal(t, http.StatusForbidden, rec.Code)

	hs.confirmPayment(p.ID, "0.01")
	rec = hs.do(http.MethodGet, url, nil, sess)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "preview-bytes", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename=previa.pdf`)
	assert.Equal(t, "private, no-store", rec.Header().Get("Cache-Control"))
}

func TestPortalFinalGate(t *testing.T) {
	hs := newHarness(t)
	p := hs.seedProject("500", "100")
	f := hs.seedFile(p.ID, ledger.FileFinal, "final.pdf", "final-bytes")
	sess := hs.portalCookie(p.Protocol, p.ID)
	url := "/api/portal/files/" + f.ID + "/download"

	hs.confirmPayment(p.ID, "500")
	rec := hs.do(http.MethodGet, url, nil, sess)
	require.Equal(t, http.StatusForbidden, rec.Code, "paid but not released")

	release := true
	_, err := hs.store.UpdateProject(context.Background(), p.ID, store.ProjectPatch{FinalRelease: &release})
	require.NoError(t, err)
	rec = hs.do(http.MethodGet, url, nil, sess)
	require.Equal(t, http.StatusForbidden, rec.Code, "released but status not final")

	status := ledger.StatusLiberado
	_, err = hs.store.UpdateProject(context.Background(), p.ID, store.ProjectPatch{Status: &status})
	require.NoError(t, err)
	rec = hs.do(http.MethodGet, url, nil, sess)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "final-bytes", rec.Body.String())
}

func TestPortalCannotReachOtherProjectsFiles(t *testing.T) {
	hs := newHarness(t)
	mine := hs.seedProject("100", "0")
	theirs := hs.seedProject("100", "0")
	f := hs.seedFile(theirs.ID, ledger.FilePreview, "theirs.pdf", "secret")

	rec := hs.do(http.MethodGet, "/api/portal/files/"+f.ID+"/download", nil, hs.portalCookie(mine.Protocol, mine.ID))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestSignedPreviewLink(t *testing.T) {
	hs := newHarness(t)
	p := hs.seedProject("1000", "300")
	preview := hs.seedFile(p.ID, ledger.FilePreview, "previa.pdf", "preview-bytes")
	final := hs.seedFile(p.ID, ledger.FileFinal, "final.pdf", "final-bytes")
	sess := hs.portalCookie(p.Protocol, p.ID)

	rec := hs.do(http.MethodGet, "/api/portal/files/"+preview.ID+"/link", nil, sess)
	require.Equal(t, http.StatusForbidden, rec.Code)

	hs.confirmPayment(p.ID, "300")
	rec = hs.do(http.MethodGet, "/api/portal/files/"+final.ID+"/link", nil, sess)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = hs.do(http.MethodGet, "/api/portal/files/"+preview.ID+"/link", nil, sess)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	link, _ := decode(t, rec)["url"].(string)
	require.True(t, strings.HasPrefix(link, "/files/preview/"+preview.ID+"?"), link)

	// The link works without any session.
	rec = hs.do(http.MethodGet, link, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "preview-bytes", rec.Body.String())

	u, err := url.Parse(link)
	require.NoError(t, err)
	q := u.Query()
	q.Set("sig", strings.Repeat("0", len(q.Get("sig"))))
	rec = hs.do(http.MethodGet, u.Path+"?"+q.Encode(), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "INVALID_LINK", errorCode(t, rec))

	q = u.Query()
	q.Set("exp", "1")
	q.Set("sig", hs.links.Sign(preview.ID, 1))
	rec = hs.do(http.MethodGet, u.Path+"?"+q.Encode(), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "LINK_EXPIRED", errorCode(t, rec))

	// A link signed for a final file is still refused.
	exp, err := strconv.ParseInt(u.Query().Get("exp"), 10, 64)
	require.NoError(t, err)
	q = url.Values{}
	q.Set("exp", u.Query().Get("exp"))
	q.Set("sig", hs.links.Sign(final.ID, exp))
	rec = hs.do(http.MethodGet, "/files/preview/"+final.ID+"?"+q.Encode(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPortalLogout(t *testing.T) {
	hs := newHarness(t)
	p := hs.seedProject("100", "0")
	rec := hs.do(http.MethodPost, "/api/portal/logout", nil, hs.portalCookie(p.Protocol, p.ID))
	require.Equal(t, http.StatusOK, rec.Code)
	var cleared bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.PortalCookieName {
			cleared = c.MaxAge < 0
		}
	}
	assert.True(t, cleared)
}

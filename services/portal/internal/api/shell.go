package api

import (
	"html/template"
	"net/http"

	"github.com/wellmoagro2-afk/landspace-sub000/pkg/csp"
	"go.uber.org/zap"
)

// shellTemplate is the bare document the front-end bundle mounts into. Every
// inline script and style carries the request's nonce.
var shellTemplate = template.Must(template.New("shell").Parse(`<!doctype html>
<html lang="pt-BR">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>LandSpace</title>
<style nonce="{{.Nonce}}">body{margin:0;font-family:system-ui,sans-serif}</style>
</head>
<body>
<div id="app" data-area="{{.Area}}"></div>
<script nonce="{{.Nonce}}">fetch("/api/csrf",{credentials:"same-origin"});</script>
<script nonce="{{.Nonce}}" src="/assets/app.js" defer></script>
</body>
</html>
`))

func (h *Handler) shell(w http.ResponseWriter, r *http.Request) {
	area := "site"
	if r.URL.Path == "/portal" {
		area = "portal"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := shellTemplate.Execute(w, struct{ Nonce, Area string }{csp.Nonce(r.Context()), area}); err != nil {
		h.log.Warn("render shell", zap.Error(err))
	}
}

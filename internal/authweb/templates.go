package authweb

import (
	"bytes"
	"html/template"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/postwing/xsched/internal/tokenstore"
)

type pageView struct {
	Page       string
	UserID     string
	HasToken   bool
	HasRefresh bool
	ExpiresAt  string
	ExpiresIn  string
	Scopes     string
	Detail     string
}

func tokenPageView(page string, rec *tokenstore.Record, now time.Time) pageView {
	v := pageView{
		Page:       page,
		UserID:     rec.UserID,
		HasToken:   true,
		HasRefresh: rec.RefreshToken != "",
		Scopes:     strings.Join(rec.Scopes, " "),
	}

	exp := time.Unix(rec.ExpiresAt, 0).UTC()
	v.ExpiresAt = exp.Format(time.RFC3339)
	if d := exp.Sub(now); d > 0 {
		v.ExpiresIn = "in " + d.Round(time.Second).String()
	} else {
		v.ExpiresIn = "expired"
	}

	return v
}

func renderPage(c *fiber.Ctx, status int, view pageView) error {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, view); err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Status(status).Send(buf.Bytes())
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Posting scheduler authorization</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem auto; max-width: 640px; color: #1d1d1f; }
h1 { font-size: 1.5rem; margin-bottom: 1rem; }
a.button, button { display: inline-block; padding: 0.6rem 1.2rem; background: #1976d2; color: #fff; border: none; border-radius: 6px; text-decoration: none; font-size: 1rem; cursor: pointer; }
.card { border: 1px solid #d0d0d5; border-radius: 8px; padding: 1rem 1.25rem; margin: 1rem 0; }
.card--ok { border-color: #4caf50; background: #eaf7eb; }
.card--error { border-color: #d32f2f; background: #fbeaea; }
table { border-collapse: collapse; width: 100%; margin-top: 0.5rem; }
th, td { border: 1px solid #d0d0d5; padding: 0.4rem 0.6rem; text-align: left; font-size: 0.95rem; }
th { background: #f0f0f5; width: 10rem; }
input[type=text] { width: 100%; padding: 0.5rem; margin: 0.5rem 0 1rem; }
small { color: #555; }
</style>
</head>
<body>
<h1>Posting scheduler authorization</h1>
{{if eq .Page "home"}}
  {{if .HasToken}}
  <div class="card card--ok">
    <p>A token is stored for <strong>{{.UserID}}</strong>.</p>
    <table>
      <tr><th>Expires</th><td>{{.ExpiresAt}} ({{.ExpiresIn}})</td></tr>
      <tr><th>Refresh token</th><td>{{if .HasRefresh}}present{{else}}absent, re-authorize before expiry{{end}}</td></tr>
      <tr><th>Scopes</th><td>{{.Scopes}}</td></tr>
    </table>
  </div>
  <p><a class="button" href="/login">Re-authorize</a></p>
  {{else}}
  <div class="card">
    <p>No token is stored for <strong>{{.UserID}}</strong>. The scheduler cannot post until authorization completes.</p>
  </div>
  <p><a class="button" href="/login">Authorize posting account</a></p>
  {{end}}
  <p><small>If the callback cannot reach this machine, use the <a href="/manual">manual code entry</a>.</small></p>
{{else if eq .Page "denied"}}
  <div class="card card--error">
    <p>Authorization was denied{{if .Detail}}: {{.Detail}}{{end}}.</p>
    <p>No token was stored. Start over when ready.</p>
  </div>
  <p><a class="button" href="/login">Try again</a></p>
{{else if eq .Page "error"}}
  <div class="card card--error">
    <p>{{.Detail}}</p>
  </div>
  <p><a class="button" href="/login">Start a new authorization</a></p>
{{else if eq .Page "success"}}
  <div class="card card--ok">
    <p>Authorization complete. A token for <strong>{{.UserID}}</strong> was stored.</p>
    <table>
      <tr><th>Expires</th><td>{{.ExpiresAt}} ({{.ExpiresIn}})</td></tr>
      <tr><th>Refresh token</th><td>{{if .HasRefresh}}present{{else}}absent, posting stops when this token expires{{end}}</td></tr>
      <tr><th>Scopes</th><td>{{.Scopes}}</td></tr>
    </table>
  </div>
  <p><a href="/">Back to status</a></p>
{{else if eq .Page "manual"}}
  <p>Paste the full URL the browser landed on after authorizing (it contains <code>code</code> and <code>state</code>).</p>
  <form method="post" action="/manual">
    <input type="text" name="redirect_url" placeholder="http://127.0.0.1:8787/callback?state=...&amp;code=..." />
    <button type="submit">Complete authorization</button>
  </form>
{{end}}
</body>
</html>
`))

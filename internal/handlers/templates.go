package handlers

import "html/template"

// The handful of pages this service renders are kept in code, next to the
// handlers that use them, the same way the bot keeps its notice templates.
const pagesSrc = `
{{define "head"}}<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
</head>
<body>
<h1>{{.Title}}</h1>{{end}}

{{define "foot"}}</body>
</html>{{end}}

{{define "home"}}{{template "head" .}}
<p>This service guards the organization's private Matrix space.</p>
<p>Join the public space and the gatekeeper bot will message you a personal link to verify your identity.</p>
{{template "foot" .}}{{end}}

{{define "privacy"}}{{template "head" .}}
<p>The gatekeeper stores your Matrix id, a random profile token, and (once you verify) your organization email and name.</p>
<p>Leaving the public space deletes everything; leaving the private space unlinks your verified account.</p>
{{template "foot" .}}{{end}}

{{define "profile_verify"}}{{template "head" .}}
<p>This profile belongs to <code>{{.UserID}}</code> and is not linked to a verified account yet.</p>
<p><a href="/profile/{{.Token}}/link">Verify your identity</a> with your organization account to get access to the students area.</p>
<p><img src="/qr/{{.Token}}.png" alt="QR code of this profile link" width="256" height="256"></p>
{{template "foot" .}}{{end}}

{{define "profile_join"}}{{template "head" .}}
<p><code>{{.UserID}}</code> is linked to <b>{{.Email}}</b>.</p>
<p>You have not joined the students area yet: <a href="/profile/{{.Token}}/invite">request your invite</a>.</p>
{{template "foot" .}}{{end}}

{{define "profile_complete"}}{{template "head" .}}
<p><code>{{.UserID}}</code> is linked to <b>{{.Email}}</b> and has joined the students area.</p>
<p>Leaving the students area on Matrix will unlink your account; leaving the public space will delete it.</p>
{{template "foot" .}}{{end}}

{{define "error"}}{{template "head" .}}
<p>{{.Message}}</p>
<p><a href="/">Back to the start.</a></p>
{{template "foot" .}}{{end}}
`

func mustTemplates() *template.Template {
	return template.Must(template.New("pages").Parse(pagesSrc))
}

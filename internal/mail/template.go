package mail

import (
	"bytes"
	"fmt"
	"html/template"
	"net/url"
	"strings"
)

var verificationTemplate = template.Must(template.New("verification").Parse(`<html>
<body>
  <p>Hello {{.Username}},</p>
  <p>To complete your email verification, please click the button below:</p>
  <a href="{{.Link}}" style="background-color: black; color: white; padding: 10px 20px; text-decoration: none; display: inline-block; font-weight: bold; border-radius: 5px;">Verify Email</a>
</body>
</html>
`))

// Templates renders outbound messages. BackendURL is the public base URL
// of this API; verification links point back at it.
type Templates struct {
	backendURL string
}

// NewTemplates creates Templates for the given public base URL.
func NewTemplates(backendURL string) *Templates {
	return &Templates{backendURL: strings.TrimRight(backendURL, "/")}
}

// Verification renders the verification email for p.
func (t *Templates) Verification(p VerificationPayload) (Message, error) {
	data := struct {
		Username string
		Link     string
	}{
		Username: p.Username,
		Link:     t.backendURL + "/api/users/verify-email/" + url.PathEscape(p.EmailVerifyToken),
	}

	var buf bytes.Buffer
	if err := verificationTemplate.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("mail: executing verification template: %w", err)
	}

	return Message{
		To:      p.Email,
		Subject: p.Username + "'s Verification Email",
		HTML:    buf.String(),
	}, nil
}

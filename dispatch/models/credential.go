package models

import "fmt"

// Credential identifies the repository a dispatcher talks to and the static
// token it authenticates with. It is built once at startup and passed by
// value; nothing mutates it afterwards.
type Credential struct {
	Token string
	Org   string
	Repo  string
}

func NewCredential(token, org, repo string) Credential {
	return Credential{Token: token, Org: org, Repo: repo}
}

// Slug returns "org/repo".
func (c Credential) Slug() string {
	return fmt.Sprintf("%s/%s", c.Org, c.Repo)
}

func (c Credential) Valid() bool {
	return c.Token != "" && c.Org != "" && c.Repo != ""
}

// String never includes the token.
func (c Credential) String() string {
	return c.Slug()
}

// GoString keeps the token out of %#v output too.
func (c Credential) GoString() string {
	return fmt.Sprintf("models.Credential{Org:%q, Repo:%q, Token:<redacted>}", c.Org, c.Repo)
}

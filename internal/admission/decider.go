// Package admission decides per request whether to forward to the backend or divert the
// client to the holding page.
package admission

import (
	"net/http"
	"strconv"
	"strings"

	"codeberg.org/mutker/loadguard/internal/access"
	"codeberg.org/mutker/loadguard/internal/logger"
	"golang.org/x/exp/slices"
)

const DefaultHoldingPath = "/holding"

var (
	exemptPaths    = []string{"/health", "/dashboard", "/admin/overload", "/ws"}
	exemptPrefixes = []string{"/holding", "/status", "/hold/", "/release/"}
)

// StateReader exposes the precomputed overload verdict.
type StateReader interface {
	ShouldRedirect() (redirect bool, retryAfter int)
}

// Classifier resolves the access grant of a request.
type Classifier interface {
	Grant(r *http.Request) access.Grant
}

type Reason string

const (
	ReasonExemptPath Reason = "exempt_path"
	ReasonWhitelist  Reason = "whitelisted"
	ReasonBypass     Reason = "bypass_token"
	ReasonNormal     Reason = "normal"
	ReasonOverloaded Reason = "overloaded"
)

type Decision struct {
	Redirect   bool
	RetryAfter int
	Reason     Reason
	Grant      access.Grant
}

// Decider combines path exemptions, access grants and overload state. It only reads
// precomputed state and never blocks on metric collection.
type Decider struct {
	classifier  Classifier
	state       StateReader
	holdingPath string
}

func NewDecider(classifier Classifier, state StateReader, holdingPath string) *Decider {
	if holdingPath == "" {
		holdingPath = DefaultHoldingPath
	}

	return &Decider{
		classifier:  classifier,
		state:       state,
		holdingPath: holdingPath,
	}
}

func (d *Decider) HoldingPath() string {
	return d.holdingPath
}

func (d *Decider) Decide(r *http.Request) Decision {
	if d.IsExempt(r.URL.Path) {
		return Decision{Reason: ReasonExemptPath}
	}

	grant := d.classifier.Grant(r)
	switch {
	case grant.Whitelisted:
		return Decision{Reason: ReasonWhitelist, Grant: grant}
	case grant.BypassToken:
		return Decision{Reason: ReasonBypass, Grant: grant}
	}

	redirect, retryAfter := d.state.ShouldRedirect()
	if !redirect {
		return Decision{Reason: ReasonNormal, Grant: grant}
	}

	return Decision{
		Redirect:   true,
		RetryAfter: retryAfter,
		Reason:     ReasonOverloaded,
		Grant:      grant,
	}
}

// IsExempt reports whether path belongs to the control, status or holding surfaces.
func (d *Decider) IsExempt(path string) bool {
	if slices.Contains(exemptPaths, path) || strings.HasPrefix(path, d.holdingPath) {
		return true
	}

	return slices.IndexFunc(exemptPrefixes, func(prefix string) bool {
		return strings.HasPrefix(path, prefix)
	}) >= 0
}

// Middleware counts every request in flight and diverts non-exempt requests with a
// 307 to the holding page while the backend must be protected.
func Middleware(d *Decider, counter *Counter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter.Start()
		defer counter.Finish()

		dec := d.Decide(r)
		switch dec.Reason {
		case ReasonWhitelist, ReasonBypass:
			logger.Debug().
				Str("client_ip", dec.Grant.ClientIP).
				Str("reason", string(dec.Reason)).
				Str("path", r.URL.Path).
				Msg("Exempt request admitted")
		}

		if dec.Redirect {
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			http.Redirect(w, r, d.holdingPath, http.StatusTemporaryRedirect)
			return
		}

		next.ServeHTTP(w, r)
	})
}

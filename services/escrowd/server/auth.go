package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Astralabs2050/render-backend-sub001/native/escrow"
)

// ActorHeader names the caller when authentication is disabled.
const ActorHeader = "X-Escrow-Actor"

// AuthOptions configures bearer token verification. Tokens are HS256 JWTs
// whose subject is the party id recorded in audit events.
type AuthOptions struct {
	Disable      bool
	Secret       string
	Issuer       string
	Audience     []string
	RoleClaim    string
	OperatorRole string
	MaxSkew      time.Duration
	Now          func() time.Time
}

// Identity is the authenticated caller.
type Identity struct {
	Subject  string
	Operator bool
}

type identityKey struct{}

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

type authenticator struct {
	opts AuthOptions
}

func newAuthenticator(opts AuthOptions) (*authenticator, error) {
	if opts.Disable {
		return &authenticator{opts: opts}, nil
	}
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, errors.New("auth: hs256 secret required")
	}
	if opts.RoleClaim == "" {
		opts.RoleClaim = "role"
	}
	if opts.OperatorRole == "" {
		opts.OperatorRole = "operator"
	}
	return &authenticator{opts: opts}, nil
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.opts.Disable {
			id := Identity{Subject: strings.TrimSpace(r.Header.Get(ActorHeader)), Operator: true}
			if id.Subject == "" {
				id.Subject = "anonymous"
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
			return
		}
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing bearer token")
			return
		}
		id, err := a.verify(strings.TrimSpace(parts[1]))
		if err != nil {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid authorization token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

func (a *authenticator) verify(token string) (Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.opts.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.opts.Issuer))
	}
	if a.opts.MaxSkew > 0 {
		opts = append(opts, jwt.WithLeeway(a.opts.MaxSkew))
	}
	if a.opts.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(a.opts.Now))
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(a.opts.Secret), nil
	}, opts...)
	if err != nil {
		return Identity{}, err
	}
	if !parsed.Valid {
		return Identity{}, errors.New("token validation failed")
	}
	subject, _ := claims.GetSubject()
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Identity{}, errors.New("token subject missing")
	}
	if len(a.opts.Audience) > 0 {
		aud, _ := claims.GetAudience()
		if !anyMatch(aud, a.opts.Audience) {
			return Identity{}, errors.New("token audience mismatch")
		}
	}
	return Identity{
		Subject:  subject,
		Operator: anyMatch(claimStrings(claims[a.opts.RoleClaim]), []string{a.opts.OperatorRole}),
	}, nil
}

func claimStrings(value interface{}) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func anyMatch(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if strings.EqualFold(strings.TrimSpace(h), w) {
				return true
			}
		}
	}
	return false
}

// authorize enforces that the caller is one of the permitted parties of c,
// or an operator.
func authorize(id Identity, c *escrow.Contract, roles ...escrow.PartyRole) error {
	if id.Operator {
		return nil
	}
	for _, role := range roles {
		switch role {
		case escrow.RoleCreator:
			if id.Subject == c.CreatorID {
				return nil
			}
		case escrow.RoleMaker:
			if id.Subject == c.MakerID {
				return nil
			}
		}
	}
	return fmt.Errorf("%s may not act on contract %s", id.Subject, c.ID)
}

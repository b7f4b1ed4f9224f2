// Package authz decides which signed-in owners may use the admin endpoints.
//
// Authentication (who are you?) is the auth package's job. This package only
// answers "may this owner do that?" using a Casbin RBAC model embedded in the
// binary: owners listed in auth.admin_owners get the "admin" role, and the
// policy grants that role every method under /api/admin/.
package authz

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/casbin/casbin/v2"
	casbinmodel "github.com/casbin/casbin/v2/model"

	"github.com/sakif/nowplaying/internal/auth"
	"github.com/sakif/nowplaying/internal/model"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

// RoleAdmin is the only role the policy knows about.
const RoleAdmin = "admin"

// Enforcer wraps a synced Casbin enforcer. Safe for concurrent use.
type Enforcer struct {
	enforcer *casbin.SyncedEnforcer
	logger   *slog.Logger
}

// NewEnforcer loads the embedded model and policy and grants RoleAdmin to admins.
func NewEnforcer(admins []model.OwnerID, logger *slog.Logger) (*Enforcer, error) {
	m, err := casbinmodel.NewModelFromString(embeddedModel)
	if err != nil {
		return nil, fmt.Errorf("authz: loading model: %w", err)
	}
	e, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("authz: creating enforcer: %w", err)
	}
	if err := loadPolicy(e, embeddedPolicy); err != nil {
		return nil, err
	}

	for _, owner := range admins {
		if owner.IsZero() {
			continue
		}
		if _, err := e.AddGroupingPolicy(owner.String(), RoleAdmin); err != nil {
			return nil, fmt.Errorf("authz: granting %s to %s: %w", RoleAdmin, owner, err)
		}
	}

	return &Enforcer{enforcer: e, logger: logger}, nil
}

// loadPolicy reads "p, sub, obj, act" and "g, user, role" lines.
func loadPolicy(e *casbin.SyncedEnforcer, policy string) error {
	for _, rule := range parsePolicy(policy) {
		var err error
		switch rule[0] {
		case "p":
			if len(rule) != 4 {
				return fmt.Errorf("authz: malformed policy line %v", rule)
			}
			_, err = e.AddPolicy(rule[1], rule[2], rule[3])
		case "g":
			if len(rule) != 3 {
				return fmt.Errorf("authz: malformed grouping line %v", rule)
			}
			_, err = e.AddGroupingPolicy(rule[1], rule[2])
		default:
			return fmt.Errorf("authz: unknown policy type %q", rule[0])
		}
		if err != nil {
			return fmt.Errorf("authz: adding %v: %w", rule, err)
		}
	}
	return nil
}

func parsePolicy(policy string) [][]string {
	var rules [][]string
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		rules = append(rules, parts)
	}
	return rules
}

// Allowed reports whether owner may perform action (an HTTP method) on object
// (a request path).
func (e *Enforcer) Allowed(owner model.OwnerID, object, action string) (bool, error) {
	if owner.IsZero() {
		return false, nil
	}
	ok, err := e.enforcer.Enforce(owner.String(), object, action)
	if err != nil {
		return false, fmt.Errorf("authz: enforcing: %w", err)
	}
	return ok, nil
}

// IsAdmin reports whether owner holds RoleAdmin.
func (e *Enforcer) IsAdmin(owner model.OwnerID) bool {
	if owner.IsZero() {
		return false
	}
	ok, err := e.enforcer.HasRoleForUser(owner.String(), RoleAdmin)
	return err == nil && ok
}

// Authorize must run after auth.RequireAuth. It answers 403 unless the
// session's owner is allowed the request's method on its path.
func (e *Enforcer) Authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, _ := auth.OwnerIDFromContext(r.Context())

		allowed, err := e.Allowed(owner, r.URL.Path, r.Method)
		if err != nil {
			e.logger.Error("authorization check failed",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			writeJSON(w, http.StatusInternalServerError, `{"error":"internal_error","message":"an unexpected error occurred"}`)
			return
		}
		if !allowed {
			e.logger.Warn("admin access denied",
				slog.String("ownerID", owner.String()),
				slog.String("path", r.URL.Path),
			)
			writeJSON(w, http.StatusForbidden, `{"error":"forbidden","message":"admin role required"}`)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

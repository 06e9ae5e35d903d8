package registry

import (
	"bytes"
	"regexp"
)

// Categories used by the builtin rules.
const (
	CategoryPlugins    = "plugins"
	CategoryThemes     = "themes"
	CategoryPrincipals = "principals"
	CategoryOptions    = "options"
	CategoryExport     = "export"
)

var (
	apiPluginItem  = regexp.MustCompile(`^/api/v1/plugins/[^/]+$`)
	apiPlugins     = regexp.MustCompile(`^/api/v1/plugins$`)
	apiThemeItem   = regexp.MustCompile(`^/api/v1/themes/[^/]+$`)
	apiThemes      = regexp.MustCompile(`^/api/v1/themes$`)
	apiUserItem    = regexp.MustCompile(`^/api/v1/users/[^/]+$`)
	apiUsers       = regexp.MustCompile(`^/api/v1/users$`)
	apiSettings    = regexp.MustCompile(`^/api/v1/settings$`)
	apiGraphQL     = regexp.MustCompile(`^/graphql$`)
	graphqlLiteral = []byte("mutation")
)

// roleChanged reports whether a profile update carries a privilege
// change. The generic "update profile" action is only sensitive when a
// role field is present in the body.
func roleChanged(req *Request) bool {
	return req.Form.Get("role") != ""
}

// graphqlMutation reports whether a GraphQL request body contains the
// literal word "mutation". This is a deliberate, documented
// approximation: false positives are possible (the word inside a query
// string), false negatives are structurally impossible, so the gated
// surface can never silently reopen. Tightening it would need a real
// query-language parser.
func graphqlMutation(req *Request) bool {
	return bytes.Contains(req.Body, graphqlLiteral)
}

// builtinRules is the static sensitive-operation table. Order matters:
// Match returns the first hit in registration order.
func builtinRules() []Rule {
	return []Rule{
		{
			ID:       "plugin.activate",
			Label:    "Activate a plugin",
			Category: CategoryPlugins,
			Interactive: &InteractiveMatcher{
				Routes:  []string{"plugins"},
				Actions: []string{"activate", "activate-selected"},
			},
			API: &APIMatcher{
				Route:   apiPluginItem,
				Methods: []string{"POST", "PUT"},
				Condition: func(req *Request) bool {
					return bytes.Contains(req.Body, []byte(`"status":"active"`))
				},
			},
		},
		{
			ID:       "plugin.deactivate",
			Label:    "Deactivate a plugin",
			Category: CategoryPlugins,
			Interactive: &InteractiveMatcher{
				Routes:  []string{"plugins"},
				Actions: []string{"deactivate", "deactivate-selected"},
			},
			Async: &AsyncMatcher{Actions: []string{"deactivate-plugin"}},
		},
		{
			ID:       "plugin.delete",
			Label:    "Delete a plugin",
			Category: CategoryPlugins,
			Interactive: &InteractiveMatcher{
				Routes:  []string{"plugins"},
				Actions: []string{"delete", "delete-selected"},
				Method:  "POST",
			},
			Async: &AsyncMatcher{Actions: []string{"delete-plugin"}},
			API: &APIMatcher{
				Route:   apiPluginItem,
				Methods: []string{"DELETE"},
			},
		},
		{
			ID:       "plugin.install",
			Label:    "Install a plugin",
			Category: CategoryPlugins,
			Interactive: &InteractiveMatcher{
				Routes:  []string{"plugin-install"},
				Actions: []string{"install", "upload"},
				Method:  "POST",
			},
			Async: &AsyncMatcher{Actions: []string{"install-plugin"}},
			API: &APIMatcher{
				Route:   apiPlugins,
				Methods: []string{"POST"},
			},
		},
		{
			ID:       "theme.switch",
			Label:    "Switch the active theme",
			Category: CategoryThemes,
			Interactive: &InteractiveMatcher{
				Routes:  []string{"themes"},
				Actions: []string{"activate"},
			},
			API: &APIMatcher{
				Route:   apiThemeItem,
				Methods: []string{"POST", "PUT"},
			},
		},
		{
			ID:       "theme.delete",
			Label:    "Delete a theme",
			Category: CategoryThemes,
			Interactive: &InteractiveMatcher{
				Routes:  []string{"themes"},
				Actions: []string{"delete"},
			},
			Async: &AsyncMatcher{Actions: []string{"delete-theme"}},
			API: &APIMatcher{
				Route:   apiThemeItem,
				Methods: []string{"DELETE"},
			},
		},
		{
			ID:       "theme.install",
			Label:    "Install a theme",
			Category: CategoryThemes,
			Interactive: &InteractiveMatcher{
				Routes:  []string{"theme-install"},
				Actions: []string{"install", "upload"},
				Method:  "POST",
			},
			Async: &AsyncMatcher{Actions: []string{"install-theme"}},
			API: &APIMatcher{
				Route:   apiThemes,
				Methods: []string{"POST"},
			},
		},
		{
			ID:       "principal.create",
			Label:    "Create a new account",
			Category: CategoryPrincipals,
			Interactive: &InteractiveMatcher{
				Routes:  []string{"user-new"},
				Actions: []string{"createuser"},
				Method:  "POST",
			},
			API: &APIMatcher{
				Route:   apiUsers,
				Methods: []string{"POST"},
			},
		},
		{
			ID:       "principal.delete",
			Label:    "Delete an account",
			Category: CategoryPrincipals,
			Interactive: &InteractiveMatcher{
				Routes:  []string{"users"},
				Actions: []string{"delete", "dodelete"},
			},
			Async: &AsyncMatcher{Actions: []string{"delete-user"}},
			API: &APIMatcher{
				Route:   apiUserItem,
				Methods: []string{"DELETE"},
			},
		},
		{
			ID:       "principal.promote",
			Label:    "Change an account's privileges",
			Category: CategoryPrincipals,
			Interactive: &InteractiveMatcher{
				Routes:    []string{"users", "user-edit", "profile"},
				Actions:   []string{"promote", "update"},
				Method:    "POST",
				Condition: roleChanged,
			},
			API: &APIMatcher{
				Route:   apiUserItem,
				Methods: []string{"POST", "PUT"},
				Condition: func(req *Request) bool {
					return bytes.Contains(req.Body, []byte(`"roles"`))
				},
			},
		},
		{
			ID:       "option.update",
			Label:    "Change site settings",
			Category: CategoryOptions,
			Interactive: &InteractiveMatcher{
				Routes:  []string{"options", "options-general", "options-writing"},
				Actions: []string{"update"},
				Method:  "POST",
			},
			API: &APIMatcher{
				Route:   apiSettings,
				Methods: []string{"POST", "PUT", "PATCH"},
			},
		},
		{
			ID:       "export.download",
			Label:    "Export site data",
			Category: CategoryExport,
			Interactive: &InteractiveMatcher{
				Routes:  []string{"export"},
				Actions: []string{"download"},
			},
		},
		{
			ID:       "graphql.mutation",
			Label:    "Run a GraphQL mutation",
			Category: CategoryOptions,
			API: &APIMatcher{
				Route:     apiGraphQL,
				Methods:   []string{"POST"},
				Condition: graphqlMutation,
			},
		},
	}
}

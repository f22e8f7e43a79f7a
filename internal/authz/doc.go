// Package authz decides whether an authenticated caller may perform a
// request. Two independently toggled checks compose with AND
// semantics: a role check that blocks mutating methods for tenant
// members, and a relationship check against an external policy
// engine. A request is forwarded upstream only after both allow it.
package authz

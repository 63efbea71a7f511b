// Package access defines the authorization domain model and the resolution
// engine for the Pixelmint content platform.
//
// # Overview
//
// Every protected request reduces to one question: may subject S perform
// permission P on resource R? Resources are projects and the generations
// inside them. Rights arrive three ways: direct ownership, team membership
// bounded by a project grant, and project visibility. The Engine walks
// those rules in a fixed precedence order and returns a Decision recording
// both the outcome and the method that produced it.
//
// # Resolution order
//
// First match wins, nothing runs after a grant:
//
//  1. Direct ownership        -> direct_owner, role owner
//  2. Owning project's owner  -> project_owner (generations only)
//  3. Team access             -> team_role, role = max over teams of
//     min(team role, grant access level)
//  4. Public visibility       -> public (projects) / shared (generations),
//     read only
//  5. Otherwise               -> denied
//
// Deleted resources always deny. Suspended or unverified subjects are
// limited to reading public content, checked before ownership. An
// owner-only generation is reachable by its owner alone, even under a
// public project. Visibility flows from a project down to its generations,
// never upward and never sideways; each decision is computed independently
// with no transitive trust across resources.
//
// # Failure semantics
//
// Malformed identifiers fail fast with ErrValidation. Source-of-truth
// calls carry a timeout, are retried once with a short backoff, and then
// surface ErrResolutionUnavailable. The engine never grants on failure.
package access

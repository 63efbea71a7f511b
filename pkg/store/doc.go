// Package store is the read layer over the source-of-truth PostgreSQL
// database. Authorization inputs (subjects, projects, generations, team
// memberships, project grants, API tokens) are owned and written by other
// platform services; gatekeeper only reads them here. The cache tiers in
// pkg/cache and the view tables in pkg/views are the only things this
// service writes.
package store

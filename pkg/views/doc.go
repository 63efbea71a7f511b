// Package views maintains the materialized access views backing the L3
// tier. access_view flattens relationship-derived read decisions (owner,
// project owner, team grants) into a primary-key lookup;
// team_activity_view ranks teams for cache warming. Both are plain
// tables rebuilt transactionally on a schedule, which keeps single-row
// upserts possible between refreshes.
package views

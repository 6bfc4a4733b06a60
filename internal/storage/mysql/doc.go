// Package mysql provides the shared MySQL connection helper, embedded schema
// migrations, and repositories for audit events and orchestrator API keys.
// Execution and delivery records have their own stores next to their domain
// packages; this package owns the cross-cutting tables.
package mysql

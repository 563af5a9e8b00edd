// Package validator audits the store for identity drift, duplicate
// registrations, orphaned rows, and documents whose derived state
// disagrees with their status. It is strictly read-only: findings are
// reported and alerted on, never repaired. Repair belongs to the
// migration engine and to operators.
package validator

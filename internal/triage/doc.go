// Package triage is the business boundary of the loan-operations email desk.
// It defines the Classifier (two-stage model classification and field
// extraction with JSON repair), the Service (dedup gate, routing, service
// request lifecycle), the Store interface (persistence), and domain models.
package triage

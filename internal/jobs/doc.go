// Package jobs implements the recurring tenant-scoped background jobs.
//
// Every job has the same shape: it lists the active tenants in one short unit
// of work, then handles each tenant in its own unit of work with bounded
// parallelism. A failing tenant is counted and logged and never stops the
// others. Execute always returns a JobRun, including on cancellation.
//
// # Jobs
//
//   - embeddings: embeds dirty FAQs and knowledge base chunks
//   - ratings: asks recent checkouts for a rating and expires stale requests
//   - retention: deletes conversation history older than the tenant's retention
//   - analytics: rolls yesterday's usage into usage_daily
//   - booking_status: moves bookings to CheckedIn / CheckedOut by date
//   - proactive_messages: sends scheduled guest messages that are due
//   - surveys: sends post-stay surveys shortly after checkout
//
// # Sessions
//
// The store behind SessionFactory may serialize units of work on a single
// connection. Jobs therefore never open a session while holding another one,
// and never hold one across a network call (embedding, messaging). Sends
// commit a claim row first and finalize or release it in a fresh session.
package jobs

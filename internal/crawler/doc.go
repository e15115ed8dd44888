// Package crawler holds the domain model shared by every subsystem of the
// orchestrator: crawl tasks, raw items, unified topics, sources, leases, work
// jobs and execution logs, together with the error taxonomy and the ports the
// storage, fetch and enrichment adapters implement.
package crawler

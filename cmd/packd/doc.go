// Package main hosts the archival worker entrypoint.
//
// Architecture overview:
//   - Claim loop: internal/supervisor polls the coordinator for work, sleeping between empty
//     claims and backing off exponentially while the coordinator is unreachable. A semaphore
//     bounds how many jobs run at once; context cancellation drains in-flight jobs within a
//     configurable grace period.
//   - Job pipeline: internal/runner drives each claimed job through download, archive, upload,
//     and report. A background lease keeper renews the claim at a third of the lease duration
//     and cancels the job context when the coordinator says the lease is gone; a job that loses
//     its lease aborts silently so it never races the next holder.
//   - Download stage: internal/scheduler fans asset fetches out across a bounded errgroup and
//     feeds results through a fixed-depth channel, so a slow archive writer applies backpressure
//     to the fetchers instead of buffering bodies in memory. internal/fetcher streams each body
//     and retries transient HTTP failures with jittered exponential backoff.
//   - Archive stage: internal/zipper is the single writer of the output zip. Bodies are streamed
//     straight into deflate entries with SHA-256 digests computed on the way through, and a
//     sorted manifest.json is appended as the final member for deterministic content.
//   - Upload stage: internal/uploader writes the archive to the configured blob store (GCS,
//     gocloud bucket URL, or memory) under a deterministic key derived from the job ID, staging
//     then publishing so partial uploads are never visible. Retried uploads overwrite the same
//     key, keeping the operation idempotent.
//   - Persistence & fanout: terminal job rows are optionally written to Postgres and a compact
//     completion event is published to Pub/Sub when a topic is configured. Both are best effort
//     once the outcome is reported.
//   - Configuration & plumbing: Viper populates config from env (PACKD_ prefix) and files; zap
//     provides structured logging; Prometheus metrics are exported on /metrics alongside
//     /healthz, /readyz, and /statusz on the admin port.
//
// Operational notes:
//   - Concurrency model: one supervisor goroutine claims, each job gets a runner goroutine, and
//     each runner fans out fetches up to fetch.concurrency. Nothing buffers whole assets; peak
//     memory tracks queue depth, not asset size.
//   - Shutdown: SIGINT/SIGTERM stops claiming immediately. In-flight jobs get
//     worker.shutdown_grace_seconds to finish before their contexts are cancelled; jobs cut off
//     mid-flight are not reported and reappear when their leases expire.
//   - Run locally: go run ./cmd/packd -config config.yaml, or rely on PACKD_* env overrides with
//     PACKD_COORDINATOR_BASE_URL as the only required value.
package main

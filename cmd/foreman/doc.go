// Command foreman supervises a fleet of coding-agent workers: it runs the
// worker-management daemon, the overseer that keeps the daemon healthy, and
// the CLI for inspecting workers, reviews, and the task pool.
package main

// Command clonemgrd boots the clone manager daemon.
//
// Per spec.md §1, the CLI/RPC surface that actually drives add_task /
// cancel_task / remove_task is out of scope for this repo. clonemgrd is
// therefore intentionally thin: it wires the real Task Store, Worktree
// Placer, Task Registry and telemetry together with the in-memory
// collaborator fakes (the only Peer/Transfer/RepoStore/JobExecutor this
// repo ships — real network transport and the real repository store remain
// out of scope) and exposes the one side-effect-free caller operation,
// gen-worktree, plus a start command that runs the daemon until
// interrupted.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

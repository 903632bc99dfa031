// Package mail sends best-effort job notifications through the
// local mail transport. It is a thin external collaborator, never
// load-bearing for job-lifecycle logic (spec.md §7: "mail
// notification failures are silent").
package mail

import (
	"bytes"
	"os/exec"
)

// Notify shells out to the local "mail" binary to send body to to
// with the given subject. Grounded on the same os/exec family the
// supervisor uses to launch jobs.
func Notify(to, subject, body string) error {
	if to == "" {
		return nil
	}
	cmd := exec.Command("mail", "-s", subject, to)
	cmd.Stdin = bytes.NewBufferString(body)
	return cmd.Run()
}

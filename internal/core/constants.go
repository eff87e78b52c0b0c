package core

import "fmt"

const (
	IssueTrackerLink  = "https://github.com/presenton/stackvisor/issues"
	BugReportTemplate = "\n\n[NOTE] This is most likely a bug in stackvisor, please open an issue at %s"
)

func BugReportMessage() string {
	return fmt.Sprintf(BugReportTemplate, IssueTrackerLink)
}

const (
	// LoopbackHost is the only address supervised services are allowed to bind.
	LoopbackHost = "127.0.0.1"

	// ExitCodeFailure is used when a fatal condition carries no process exit code.
	ExitCodeFailure = 1
)

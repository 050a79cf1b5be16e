package agent

// Verb names understood by Script's command loop (spec.md §4.1).
const (
	VerbRun     = "RUN"
	VerbState   = "STATE"
	VerbWait    = "WAIT"
	VerbResult  = "RESULT"
	VerbSuspend = "SUSPEND"
	VerbResume  = "RESUME"
	VerbCancel  = "CANCEL"
	VerbStdin   = "STDIN"
	VerbStdout  = "STDOUT"
	VerbStderr  = "STDERR"
	VerbList    = "LIST"
	VerbPurge   = "PURGE"
	VerbQuit    = "QUIT"
	VerbNoop    = "NOOP"
)

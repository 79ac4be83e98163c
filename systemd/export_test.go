package systemd

// MockJournalStdoutPath redirects NewJournalStreamFile's unix socket target
// for the duration of a test.
func MockJournalStdoutPath(path string) (restore func()) {
	old := journalStdoutPath
	journalStdoutPath = path
	return func() { journalStdoutPath = old }
}

// Package cli implements the datalogger command line: the long-running run
// command and the one-shot status, identity, read and version diagnostics.
//
// Commands return *ExitError to select the process exit code; main maps
// any other error to ExitFailure.
package cli

//go:build !windows

package progress

import "os"

// enableWindowsANSI does nothing outside Windows; terminals there render the
// bar escape sequences as is.
func enableWindowsANSI(*os.File) {}

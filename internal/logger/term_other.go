//go:build !linux

package logger

// isTerminal is conservative on platforms without termios support:
// color stays off.
func isTerminal(fd uintptr) bool {
	return false
}

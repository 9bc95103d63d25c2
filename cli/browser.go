package cli

import (
	"fmt"
	"os/exec"
	"runtime"
)

// openBrowser opens the URL in the default browser. Best effort; the auth
// flow prints the URL either way.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "linux":
		return exec.Command("xdg-open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	}
	return fmt.Errorf("cli: no browser launcher for %s", runtime.GOOS)
}

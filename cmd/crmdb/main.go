// Command crmdb runs operational checks against the CRM database using the
// same configuration as the backend.
package main

import (
	"os"
)

func main() {
	cmd := rootCmd()
	if err := cmd.Execute(); err != nil {
		// Exit with error code 1 if command execution fails
		os.Exit(1)
	}
}

package bootstrap

import (
	"fmt"
	"io"
	"strings"
)

// PrintResult writes the seeded owner to out. A generated password is shown
// only here, once.
func PrintResult(out io.Writer, result *Result) {
	if result == nil || !result.OwnerCreated {
		return
	}
	border := strings.Repeat("=", 80)
	fmt.Fprintf(out, "\n%s\nOWNER BOOTSTRAP COMPLETED\n%s\n", border, border)
	fmt.Fprintf(out, "  Email:      %s\n", result.OwnerEmail)
	fmt.Fprintf(out, "  User ID:    %s\n", result.OwnerID)
	if result.AccountID != "" {
		fmt.Fprintf(out, "  Account ID: %s\n", result.AccountID)
	}
	if result.GeneratedPassword != "" {
		fmt.Fprintf(out, "  Password:   %s\n", result.GeneratedPassword)
		fmt.Fprintln(out, "\n  THIS PASSWORD WILL NOT BE DISPLAYED AGAIN. Change it after signing in.")
	} else {
		fmt.Fprintln(out, "  Password:   (from configuration)")
		fmt.Fprintln(out, "\n  Remove the owner password from the environment after first sign-in.")
	}
	fmt.Fprintf(out, "%s\n\n", border)
}

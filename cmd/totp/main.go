package main

import (
	"fmt"
	"os"
	"time"

	"courier/internal/auth"
)

// Prints the code courier would send with its next login, for checking a
// secret against the authenticator app.
func main() {
	secret := os.Getenv("COURIER_TOTP_SECRET")
	if len(os.Args) == 2 {
		secret = os.Args[1]
	}
	if secret == "" || len(os.Args) > 2 {
		fmt.Println("Usage: totp [secret]  (defaults to $COURIER_TOTP_SECRET)")
		os.Exit(1)
	}

	now := time.Now()
	fmt.Printf("%06d (valid for %ds)\n", auth.GenerateTOTP(secret, now), 30-now.Unix()%30)
}

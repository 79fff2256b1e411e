// Command opstoken prints an operator token for the /api/v1/ops endpoints.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/clawtask/backend/internal/auth"
	"github.com/clawtask/backend/internal/config"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the YAML config file (default $CLAWTASK_CONFIG)")
	subject := pflag.StringP("subject", "s", "", "operator name recorded in the token and in audit logs")
	ttl := pflag.Duration("ttl", 12*time.Hour, "token lifetime")
	pflag.Parse()

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "--subject is required")
		pflag.Usage()
		os.Exit(2)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	token, err := auth.NewService(cfg.Ops.JWTSecret).Issue(*subject, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Now().Add(*ttl).UTC().Format(time.RFC3339))
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"hawk-auth-gateway/pkg/auth"
	"hawk-auth-gateway/pkg/config"
	"hawk-auth-gateway/pkg/logger"
)

func main() {
	var (
		method      = flag.String("X", "GET", "HTTP method")
		path        = flag.String("path", "/v1/whoami", "Path and query appended to the target URL")
		target      = flag.String("url", "", "Target base URL (overrides HAWK_TARGET_URL)")
		keyID       = flag.String("id", "", "Key id (overrides HAWK_KEY_ID)")
		secret      = flag.String("secret", "", "Shared secret (overrides HAWK_SECRET)")
		data        = flag.String("d", "", "Request body; @file reads it from a file")
		contentType = flag.String("H", "application/json", "Content-Type of the body")
		ext         = flag.String("ext", "", "Application specific data sent in the ext attribute")
		noHash      = flag.Bool("no-hash", false, "Do not sign the payload hash")
		timeout     = flag.Duration("timeout", 30*time.Second, "Request timeout")
		help        = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		showUsage()
		os.Exit(0)
	}

	// Validation errors only matter if the flags do not supply the credential
	cfg, err := config.Load()
	if *keyID != "" {
		cfg.KeyID = *keyID
	}
	if *secret != "" {
		cfg.Secret = *secret
	}
	if *target != "" {
		cfg.TargetURL = *target
	}
	if cfg.KeyID == "" || cfg.Secret == "" {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		}
		fmt.Fprintf(os.Stderr, "Error: key id and secret are required (HAWK_KEY_ID/HAWK_SECRET or -id/-secret)\n")
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel)
	appLogger := logger.WithKeyID(cfg.KeyID)

	alg, err := auth.ParseAlgorithm(cfg.Algorithm)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	body, err := readBody(*data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading body: %v\n", err)
		os.Exit(1)
	}

	client := newSigningClient(auth.Credential{KeyID: cfg.KeyID, Secret: []byte(cfg.Secret), Algorithm: alg}, cfg.AuthScheme)
	client.hashPayload = !*noHash
	client.http.Timeout = *timeout

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	url := strings.TrimRight(cfg.TargetURL, "/") + "/" + strings.TrimLeft(*path, "/")
	resp, err := client.Do(ctx, call{
		Method:      strings.ToUpper(*method),
		URL:         url,
		Body:        body,
		ContentType: *contentType,
		Ext:         *ext,
	})
	if err != nil {
		appLogger.Error().Err(err).Str("url", url).Msg("Request failed")
		os.Exit(1)
	}

	appLogger.Info().
		Int("status", resp.StatusCode).
		Bool("retried", resp.Retried).
		Dur("clock_offset", client.Offset()).
		Msg("Request completed")
	os.Stdout.Write(resp.Body)
	if len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != '\n' {
		fmt.Println()
	}
	if resp.StatusCode >= 400 {
		os.Exit(2)
	}
}

// readBody returns nil for an empty argument, the file content for @path and
// the argument itself otherwise.
func readBody(arg string) ([]byte, error) {
	switch {
	case arg == "":
		return nil, nil
	case arg == "@-":
		return io.ReadAll(os.Stdin)
	case strings.HasPrefix(arg, "@"):
		return os.ReadFile(arg[1:])
	}
	return []byte(arg), nil
}

func showUsage() {
	fmt.Println("hawksign - send a Hawk signed request")
	fmt.Println()
	fmt.Println("Usage: hawksign [flags]")
	fmt.Println()
	fmt.Println("The credential and target come from HAWK_KEY_ID, HAWK_SECRET, HAWK_ALGORITHM")
	fmt.Println("and HAWK_TARGET_URL (or a .env file) unless given as flags. When the server")
	fmt.Println("rejects the request with a clock challenge the request is signed again with")
	fmt.Println("the corrected time and retried once.")
	fmt.Println()
	flag.PrintDefaults()
}
